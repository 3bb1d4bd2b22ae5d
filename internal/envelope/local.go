package envelope

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/smithy-go"
	"golang.org/x/crypto/chacha20poly1305"
)

// LocalKeyService wraps data keys under a single in-process master key. It
// implements the KMS subset Client needs and is meant for local runs where
// no managed key is reachable. Encryption context is enforced the same way
// KMS enforces it: a wrapped key only unwraps with the exact context it was
// generated with.
type LocalKeyService struct {
	keyID  string
	master []byte
}

// NewLocalKeyService creates a LocalKeyService. masterKey must be 32 bytes.
func NewLocalKeyService(keyID string, masterKey []byte) (*LocalKeyService, error) {
	if strings.TrimSpace(keyID) == "" {
		return nil, errors.New("envelope: local key id must not be empty")
	}
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("envelope: local master key must be %d bytes", chacha20poly1305.KeySize)
	}
	return &LocalKeyService{keyID: keyID, master: append([]byte(nil), masterKey...)}, nil
}

func (l *LocalKeyService) GenerateDataKey(_ context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if aws.ToString(in.KeyId) != l.keyID {
		return nil, &smithy.GenericAPIError{Code: "NotFoundException", Message: "key " + aws.ToString(in.KeyId) + " does not exist"}
	}
	dk := make([]byte, dataKeySize)
	if _, err := rand.Read(dk); err != nil {
		return nil, fmt.Errorf("local kms: generate data key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(l.master)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("local kms: generate nonce: %w", err)
	}
	blob := aead.Seal(nonce, nonce, dk, canonicalContext(in.EncryptionContext))
	return &kms.GenerateDataKeyOutput{
		KeyId:          aws.String(l.keyID),
		Plaintext:      dk,
		CiphertextBlob: blob,
	}, nil
}

func (l *LocalKeyService) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if id := aws.ToString(in.KeyId); id != "" && id != l.keyID {
		return nil, &smithy.GenericAPIError{Code: "IncorrectKeyException", Message: "the key ID in the request does not identify the key used to encrypt"}
	}
	aead, err := chacha20poly1305.NewX(l.master)
	if err != nil {
		return nil, err
	}
	if len(in.CiphertextBlob) < aead.NonceSize()+aead.Overhead() {
		return nil, &smithy.GenericAPIError{Code: "InvalidCiphertextException", Message: "ciphertext too short"}
	}
	nonce, sealed := in.CiphertextBlob[:aead.NonceSize()], in.CiphertextBlob[aead.NonceSize():]
	dk, err := aead.Open(nil, nonce, sealed, canonicalContext(in.EncryptionContext))
	if err != nil {
		return nil, &smithy.GenericAPIError{Code: "InvalidCiphertextException", Message: "unable to unwrap data key"}
	}
	return &kms.DecryptOutput{KeyId: aws.String(l.keyID), Plaintext: dk}, nil
}

func canonicalContext(ctx map[string]string) []byte {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(ctx[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
