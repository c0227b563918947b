package sign

import (
	"fmt"
)

var _ Signer = (*MockSigner)(nil)

// MockSigner produces deterministic fake signatures for tests: the input
// data with a "-signed-by-<address>" suffix.
type MockSigner struct {
	publicKey PublicKey
}

// NewMockSigner creates a mock signer whose address is the given id.
func NewMockSigner(id string) *MockSigner {
	return &MockSigner{publicKey: NewMockPublicKey(id)}
}

// Sign appends the signer suffix to data.
func (m *MockSigner) Sign(data []byte) (Signature, error) {
	sigBytes := append(data, []byte(
		fmt.Sprintf("-signed-by-%s", m.publicKey.Address().String()),
	)...)
	return Signature(sigBytes), nil
}

// PublicKey returns the mock public key.
func (m *MockSigner) PublicKey() PublicKey {
	return m.publicKey
}

var _ PublicKey = (*MockPublicKey)(nil)

// MockPublicKey uses its id string as both key bytes and address.
type MockPublicKey struct {
	id string
}

// NewMockPublicKey creates a mock public key with the given id.
func NewMockPublicKey(id string) *MockPublicKey {
	return &MockPublicKey{id: id}
}

// Address returns the id as a mock address.
func (m *MockPublicKey) Address() Address {
	return NewMockAddress(m.id)
}

// Bytes returns the id bytes.
func (m *MockPublicKey) Bytes() []byte {
	return []byte(m.id)
}

var _ Address = (*MockAddress)(nil)

// MockAddress is a plain string address for tests.
type MockAddress struct {
	id string
}

// NewMockAddress creates a mock address with the given id.
func NewMockAddress(id string) *MockAddress {
	return &MockAddress{id: id}
}

func (m *MockAddress) String() string {
	return m.id
}

// Equals compares string representations.
func (m *MockAddress) Equals(other Address) bool {
	return m.id == other.String()
}
