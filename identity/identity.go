package identity

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/am6737/meshpeer/api"
	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeyLength is the size of a Curve25519 public or private key.
	KeyLength = 32
	// SecretKeyLength is the size of the secret produced by Agree.
	SecretKeyLength = 32

	agreementInfo = "meshpeer identity agreement"

	// 生成地址时最多重试的次数，命中保留地址时重新生成密钥
	maxGenerateAttempts = 64
)

var (
	ErrAgreementFailed = errors.New("identity agreement failed")
	ErrInvalidIdentity = errors.New("invalid identity")
)

// Identity is a node's Curve25519 key pair and the overlay address derived
// from its public key. A remote identity carries only the public half.
type Identity struct {
	address api.NodeAddress
	public  []byte
	private []byte
}

// Generate creates a new identity whose address is not reserved.
func Generate() (*Identity, error) {
	return generate(rand.Reader)
}

func generate(r io.Reader) (*Identity, error) {
	for i := 0; i < maxGenerateAttempts; i++ {
		kp, err := noise.DH25519.GenerateKeypair(r)
		if err != nil {
			return nil, fmt.Errorf("generate key pair: %w", err)
		}
		addr := addressOf(kp.Public)
		if addr.IsReserved() {
			continue
		}
		return &Identity{address: addr, public: kp.Public, private: kp.Private}, nil
	}
	return nil, fmt.Errorf("%w: no usable address after %d attempts", ErrInvalidIdentity, maxGenerateAttempts)
}

// FromPublicKey builds a public-only identity, e.g. from a HELLO payload.
func FromPublicKey(pub []byte) (*Identity, error) {
	if len(pub) != KeyLength {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrInvalidIdentity, len(pub))
	}
	addr := addressOf(pub)
	if addr.IsReserved() {
		return nil, fmt.Errorf("%w: reserved address %s", ErrInvalidIdentity, addr)
	}
	return &Identity{address: addr, public: bytes.Clone(pub)}, nil
}

// addressOf 取公钥 SHA-512 摘要的前 5 个字节作为节点地址
func addressOf(pub []byte) api.NodeAddress {
	sum := sha512.Sum512(pub)
	return api.NodeAddressFromBytes(sum[:api.NodeAddressLength])
}

// Parse decodes "address:public" or "address:public:private", all hex.
func Parse(s string) (*Identity, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return nil, fmt.Errorf("%w: want address:public[:private]", ErrInvalidIdentity)
	}

	addr, err := api.ParseNodeAddress(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIdentity, err)
	}

	pub, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %w", ErrInvalidIdentity, err)
	}
	id, err := FromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	if id.address != addr {
		return nil, fmt.Errorf("%w: address %s does not match public key (%s)", ErrInvalidIdentity, addr, id.address)
	}

	if len(parts) == 3 {
		priv, err := hex.DecodeString(parts[2])
		if err != nil {
			return nil, fmt.Errorf("%w: private key: %w", ErrInvalidIdentity, err)
		}
		if len(priv) != KeyLength {
			return nil, fmt.Errorf("%w: private key is %d bytes", ErrInvalidIdentity, len(priv))
		}
		derived, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil || !bytes.Equal(derived, pub) {
			return nil, fmt.Errorf("%w: private key does not match public key", ErrInvalidIdentity)
		}
		id.private = priv
	}
	return id, nil
}

// Load reads an identity file written by Save.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(data))
}

// Save writes the full identity, private key included, readable only by the owner.
func (i *Identity) Save(path string) error {
	return os.WriteFile(path, []byte(i.String()+"\n"), 0o600)
}

func (i *Identity) Address() api.NodeAddress {
	return i.address
}

func (i *Identity) PublicKey() []byte {
	return i.public
}

func (i *Identity) HasPrivate() bool {
	return len(i.private) == KeyLength
}

// PublicString renders the identity without its private key.
func (i *Identity) PublicString() string {
	return i.address.String() + ":" + hex.EncodeToString(i.public)
}

// String renders the identity including the private key when present.
func (i *Identity) String() string {
	if !i.HasPrivate() {
		return i.PublicString()
	}
	return i.PublicString() + ":" + hex.EncodeToString(i.private)
}

// Equal compares the public halves.
func (i *Identity) Equal(o *Identity) bool {
	if i == nil || o == nil {
		return i == o
	}
	return i.address == o.address && bytes.Equal(i.public, o.public)
}

// Agree derives the shared secret between i and remote. i must hold its
// private key. Both sides derive the same secret.
func (i *Identity) Agree(remote *Identity) ([]byte, error) {
	if !i.HasPrivate() {
		return nil, fmt.Errorf("%w: local identity %s has no private key", ErrAgreementFailed, i.address)
	}
	if remote == nil || len(remote.public) != KeyLength {
		return nil, fmt.Errorf("%w: malformed remote public key", ErrAgreementFailed)
	}

	shared, err := curve25519.X25519(i.private, remote.public)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAgreementFailed, err)
	}

	secret := make([]byte, SecretKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(agreementInfo)), secret); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAgreementFailed, err)
	}
	return secret, nil
}
