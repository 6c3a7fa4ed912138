// Package identity handles the service's DID (Decentralized
// Identifier) layer: minting did:key identifiers from Ed25519 keys,
// parsing them back out of capability-token subjects, and the username
// normalization the DNS and account layers need.
//
// The DID codec itself (multibase + multicodec framing of the public
// key) is not reimplemented here; it is delegated to
// github.com/qri-io/ucan/didkey, the same library the token layer
// uses to resolve a DID to a verification key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/qri-io/ucan/didkey"
	"golang.org/x/net/idna"
)

// DID is a did:key identifier, e.g. "did:key:z6Mkf...".
type DID string

// String returns the DID as a plain string.
func (d DID) String() string { return string(d) }

// Valid reports whether d parses as a well-formed did:key.
func (d DID) Valid() bool {
	_, err := didkey.Parse(string(d))
	return err == nil
}

// KeyPair is a freshly generated Ed25519 signing key together with
// its did:key representation.
type KeyPair struct {
	DID        DID
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new Ed25519 keypair and its did:key form.
// It is used both for minting a service-held account key and for the
// ephemeral root key used during account bootstrap.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	id := didkey.ID{Codec: didkey.KeyTypeEd25519, KeyBytes: pub}
	return &KeyPair{
		DID:        DID(id.String()),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// Zero overwrites the private key material in place. Callers that hold
// an ephemeral root key (see the account bootstrap protocol) must call
// this as soon as the key has signed its one delegation, so the key
// never lingers in memory or on disk past its single use.
func (kp *KeyPair) Zero() {
	for i := range kp.PrivateKey {
		kp.PrivateKey[i] = 0
	}
}

// pemBlockType is the block type stamped on the key file this service
// and its CLI both persist a long-lived keypair under: a raw Ed25519
// seed, not a PKCS8 envelope, since didkey.ID is derived from the raw
// public key bytes and there's no reason to carry the extra ASN.1
// framing for a single well-known curve.
const pemBlockType = "FISSION ED25519 PRIVATE KEY"

// WritePEM encodes kp's private key as a PEM file at path, creating it
// with mode 0600 (owner read/write only). It refuses to overwrite an existing file -- callers that
// want to regenerate a key must remove the old one first, the same
// "--gen-key don't clobber" guard the CLI surface documents.
func (kp *KeyPair) WritePEM(path string) error {
	block := &pem.Block{Type: pemBlockType, Bytes: kp.PrivateKey.Seed()}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("identity: creating key file %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, block); err != nil {
		return fmt.Errorf("identity: writing key file %s: %w", path, err)
	}
	return nil
}

// ReadPEM loads a KeyPair previously written by WritePEM.
func ReadPEM(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: reading key file %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("identity: %s does not contain a %s block", path, pemBlockType)
	}
	priv := ed25519.NewKeyFromSeed(block.Bytes)
	pub := priv.Public().(ed25519.PublicKey)
	id := didkey.ID{Codec: didkey.KeyTypeEd25519, KeyBytes: pub}
	return &KeyPair{DID: DID(id.String()), PublicKey: pub, PrivateKey: priv}, nil
}

// LoadOrGenerateKeyFile loads the keypair at path, or -- only when
// genKey is true -- generates and persists a fresh one if path does
// not exist. A missing key file without genKey is a fatal startup
// error: the caller is expected to pass cmd.FailOnError the resulting
// error.
func LoadOrGenerateKeyFile(path string, genKey bool) (*KeyPair, error) {
	if _, err := os.Stat(path); err == nil {
		return ReadPEM(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: checking key file %s: %w", path, err)
	}
	if !genKey {
		return nil, fmt.Errorf("identity: key file %s does not exist (pass --gen-key to create one)", path)
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := kp.WritePEM(path); err != nil {
		return nil, err
	}
	return kp, nil
}

// ParsePublicKey recovers the Ed25519 public key embedded in a did:key.
func ParsePublicKey(did DID) (ed25519.PublicKey, error) {
	id, err := didkey.Parse(string(did))
	if err != nil {
		return nil, fmt.Errorf("parsing DID %q: %w", did, err)
	}
	if id.Codec != didkey.KeyTypeEd25519 {
		return nil, fmt.Errorf("DID %q does not use an Ed25519 key", did)
	}
	return ed25519.PublicKey(id.KeyBytes), nil
}

// maxUsernameLength mirrors the constraint enforced on Fission
// usernames: short enough to leave room for the zone suffix in a DNS
// label (63 octets, minus ".fission.name" and punycode overhead).
const maxUsernameLength = 32

// reservedUsernames can never be claimed by an account, since each
// would collide with a name this service or its DNS zone already
// gives meaning to.
var reservedUsernames = map[string]bool{
	"www":   true,
	"api":   true,
	"admin": true,
	"_did":  true,
}

// NormalizeUsername validates and lowercases a proposed username,
// applying the same rules the DNS layer needs to hold: it must survive
// IDNA/punycode conversion to a single DNS label, contain no leading or
// trailing hyphens, avoid the reserved-word list, and stay under
// maxUsernameLength bytes.
func NormalizeUsername(raw string) (string, error) {
	username := strings.ToLower(strings.TrimSpace(raw))
	if username == "" {
		return "", fmt.Errorf("username must not be empty")
	}
	if len(username) > maxUsernameLength {
		return "", fmt.Errorf("username %q exceeds %d characters", raw, maxUsernameLength)
	}
	if reservedUsernames[username] {
		return "", fmt.Errorf("username %q is reserved", raw)
	}
	ascii, err := idna.Lookup.ToASCII(username)
	if err != nil {
		return "", fmt.Errorf("username %q is not a valid DNS label: %w", raw, err)
	}
	if strings.HasPrefix(ascii, "-") || strings.HasSuffix(ascii, "-") {
		return "", fmt.Errorf("username %q must not start or end with a hyphen", raw)
	}
	if strings.Contains(ascii, ".") {
		return "", fmt.Errorf("username %q must be a single DNS label", raw)
	}
	return username, nil
}
