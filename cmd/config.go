// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"os"
	"strings"
	"time"
)

// ServiceConfig contains config items that are common to all our services, to
// be embedded in other config structs.
type ServiceConfig struct {
	// DebugAddr is the address to run the /debug handlers on.
	DebugAddr string
}

// SyslogConfig defines the config for syslogging.
type SyslogConfig struct {
	Network     string
	Server      string
	StdoutLevel *int
	SyslogLevel int
}

// ConfigDuration is just an alias for time.Duration that allows
// serialization to YAML as well as JSON.
type ConfigDuration struct {
	time.Duration
}

// ErrDurationMustBeString is returned when a non-string value is
// presented to be deserialized as a ConfigDuration
var ErrDurationMustBeString = errors.New("cannot JSON unmarshal something other than a string into a ConfigDuration")

// UnmarshalJSON parses a string into a ConfigDuration using
// time.ParseDuration.  If the input does not unmarshal as a
// string, then UnmarshalJSON returns ErrDurationMustBeString.
func (d *ConfigDuration) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return ErrDurationMustBeString
		}
		return err
	}
	dd, err := time.ParseDuration(s)
	d.Duration = dd
	return err
}

// MarshalJSON returns the string form of the duration, as a JSON string.
func (d ConfigDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalYAML uses the same format as JSON, but is called by the YAML
// parser (vs. the JSON parser).
func (d *ConfigDuration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	d.Duration = dur
	return nil
}

// A ConfigSecret represents a string-valued config field. It may be specified
// directly in the config or, if it starts with the string "secret:", its
// contents are read from the filename that comes after "secret:", with
// trailing newlines removed.
type ConfigSecret string

var errSecretMustBeString = errors.New("cannot JSON unmarshal something other than a string into a ConfigSecret")

const secretPrefix = "secret:"

// UnmarshalJSON unmarshals a ConfigSecret
func (d *ConfigSecret) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return errSecretMustBeString
		}
		return err
	}
	if !strings.HasPrefix(s, secretPrefix) {
		*d = ConfigSecret(s)
		return nil
	}
	contents, err := ioutil.ReadFile(s[len(secretPrefix):])
	if err != nil {
		return err
	}
	*d = ConfigSecret(strings.TrimRight(string(contents), "\n"))
	return nil
}

// LoadEnvOverrides layers environment variables on top of an
// already-parsed config: every variable named prefix + FIELD, with
// "__" as the nesting separator for an embedded struct
// (e.g. FISSION_SERVER_ACCOUNTSERVER__LISTENADDRESS), is applied on
// top of whatever the JSON config file set, so a deployment can
// override one field without forking the whole file. Overrides are
// matched case-insensitively against the JSON field names out already
// unmarshalled into, the same round-trip-through-a-map approach
// boulder's config loading doesn't need (its own config stays JSON-file
// only) but every config-via-env service in the broader pack uses.
func LoadEnvOverrides(prefix string, out interface{}) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}

	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		path := strings.Split(strings.TrimPrefix(parts[0], prefix), "__")
		setEnvOverride(doc, path, parts[1])
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, out)
}

// setEnvOverride walks doc case-insensitively along path, setting the
// final key to value. Intermediate maps are created as needed; a path
// that can't be followed because an existing value isn't a map is
// left untouched rather than panicking on a malformed override.
func setEnvOverride(doc map[string]interface{}, path []string, value string) {
	cur := doc
	for i, key := range path {
		matched := matchKey(cur, key)
		if i == len(path)-1 {
			// A number or bool field takes the variable's parsed JSON
			// value, so it still unmarshals into its typed field.
			switch cur[matched].(type) {
			case float64, bool:
				var parsed interface{}
				if err := json.Unmarshal([]byte(value), &parsed); err == nil {
					cur[matched] = parsed
					return
				}
			}
			cur[matched] = value
			return
		}
		next, ok := cur[matched].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[matched] = next
		}
		cur = next
	}
}

// matchKey returns the key in m matching want case-insensitively, or
// want itself if no existing key matches (a field the JSON document
// didn't already have, e.g. one that was its zero value and therefore
// omitted).
func matchKey(m map[string]interface{}, want string) string {
	for k := range m {
		if strings.EqualFold(k, want) {
			return k
		}
	}
	return want
}
