package cmd

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testZoneConfig struct {
	Origin string
	TTL    uint32
}

type testServerConfig struct {
	ListenAddress string
	Zone          testZoneConfig
}

func TestLoadEnvOverridesSetsTopLevelField(t *testing.T) {
	os.Setenv("FISSION_SERVER_LISTENADDRESS", ":9999")
	defer os.Unsetenv("FISSION_SERVER_LISTENADDRESS")

	c := testServerConfig{ListenAddress: ":8080"}
	require.NoError(t, LoadEnvOverrides("FISSION_SERVER_", &c))
	assert.Equal(t, ":9999", c.ListenAddress)
}

func TestLoadEnvOverridesSetsNestedField(t *testing.T) {
	os.Setenv("FISSION_SERVER_ZONE__ORIGIN", "example.name")
	defer os.Unsetenv("FISSION_SERVER_ZONE__ORIGIN")

	c := testServerConfig{Zone: testZoneConfig{Origin: "fission.name", TTL: 3600}}
	require.NoError(t, LoadEnvOverrides("FISSION_SERVER_", &c))
	assert.Equal(t, "example.name", c.Zone.Origin)
	assert.Equal(t, uint32(3600), c.Zone.TTL, "unrelated nested fields are untouched")
}

func TestLoadEnvOverridesIgnoresUnprefixedVars(t *testing.T) {
	os.Setenv("UNRELATED_LISTENADDRESS", ":1111")
	defer os.Unsetenv("UNRELATED_LISTENADDRESS")

	c := testServerConfig{ListenAddress: ":8080"}
	require.NoError(t, LoadEnvOverrides("FISSION_SERVER_", &c))
	assert.Equal(t, ":8080", c.ListenAddress)
}

func TestLoadEnvOverridesIsCaseInsensitive(t *testing.T) {
	os.Setenv("FISSION_SERVER_listenaddress", ":7777")
	defer os.Unsetenv("FISSION_SERVER_listenaddress")

	c := testServerConfig{ListenAddress: ":8080"}
	require.NoError(t, LoadEnvOverrides("FISSION_SERVER_", &c))
	assert.Equal(t, ":7777", c.ListenAddress)
}
