// Package envelope encrypts small secrets under a managed KMS key.
//
// Each call to Encrypt asks the key service for a fresh data key, seals the
// plaintext with XChaCha20-Poly1305 and stores the wrapped data key next to
// the ciphertext. The identity the secret belongs to is written into a
// plaintext header that is authenticated (as AEAD associated data and as
// the KMS encryption context) but not encrypted. Decrypt only returns
// plaintext when the caller names the same identity.
package envelope

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	formatVersion byte = 1

	// IdentityContextKey is the encryption context entry binding a ciphertext
	// to a chat user.
	IdentityContextKey = "teamsUserId"

	// MaxPlaintextSize bounds a single encrypted secret.
	MaxPlaintextSize = 64 << 10

	// MaxIdentitySize bounds the identity, which is carried in the header.
	MaxIdentitySize = 1024

	dataKeySize = chacha20poly1305.KeySize
)

var (
	ErrInvalidArgument     = errors.New("envelope: invalid argument")
	ErrMalformedCiphertext = errors.New("envelope: malformed ciphertext")
	ErrKeyUnavailable      = errors.New("envelope: managed key unavailable")
	ErrDecryptFailed       = errors.New("envelope: decryption failed")
	// ErrIdentityMismatch means the ciphertext is intact but belongs to a
	// different identity than the caller asked for.
	ErrIdentityMismatch = errors.New("envelope: identity context mismatch")
)

// kmsAPI is the minimal KMS interface required by Client.
// *kms.Client from aws-sdk-go-v2 satisfies this interface.
type kmsAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type header struct {
	KeyID   string            `json:"kid"`
	Context map[string]string `json:"ctx"`
}

// Client performs envelope encryption against a managed key service.
type Client struct {
	api kmsAPI
}

// New creates a Client with the given KMS API implementation.
func New(api kmsAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("envelope: api must not be nil")
	}
	return &Client{api: api}, nil
}

// Encrypt seals plaintext under keyID, bound to identity, and returns the
// base64 message.
func (c *Client) Encrypt(ctx context.Context, plaintext []byte, keyID, identity string) (string, error) {
	if len(plaintext) == 0 || strings.TrimSpace(keyID) == "" || strings.TrimSpace(identity) == "" {
		return "", fmt.Errorf("%w: plaintext, key id and identity are required", ErrInvalidArgument)
	}
	if len(plaintext) > MaxPlaintextSize {
		return "", fmt.Errorf("%w: plaintext exceeds %d bytes", ErrInvalidArgument, MaxPlaintextSize)
	}
	if len(identity) > MaxIdentitySize {
		return "", fmt.Errorf("%w: identity exceeds %d bytes", ErrInvalidArgument, MaxIdentitySize)
	}

	encCtx := identityContext(identity)
	hdr, err := json.Marshal(header{KeyID: keyID, Context: encCtx})
	if err != nil {
		return "", fmt.Errorf("envelope: marshal header: %w", err)
	}
	if len(hdr) > math.MaxUint16 {
		return "", fmt.Errorf("%w: header exceeds %d bytes", ErrInvalidArgument, math.MaxUint16)
	}

	dk, err := c.api.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:             aws.String(keyID),
		KeySpec:           types.DataKeySpecAes256,
		EncryptionContext: encCtx,
	})
	if err != nil {
		return "", classifyKMSError("generate data key", err)
	}
	if len(dk.Plaintext) != dataKeySize || len(dk.CiphertextBlob) == 0 || len(dk.CiphertextBlob) > math.MaxUint16 {
		return "", errors.New("envelope: key service returned an unusable data key")
	}
	defer wipe(dk.Plaintext)

	aead, err := chacha20poly1305.NewX(dk.Plaintext)
	if err != nil {
		return "", fmt.Errorf("envelope: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, hdr)

	var buf bytes.Buffer
	buf.WriteByte(formatVersion)
	writeChunk(&buf, hdr)
	writeChunk(&buf, dk.CiphertextBlob)
	buf.Write(nonce)
	buf.Write(sealed)
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt opens a message produced by Encrypt. It fails with
// ErrIdentityMismatch when the embedded identity differs from identity.
func (c *Client) Decrypt(ctx context.Context, ciphertext, keyID, identity string) ([]byte, error) {
	if strings.TrimSpace(ciphertext) == "" || strings.TrimSpace(keyID) == "" || strings.TrimSpace(identity) == "" {
		return nil, fmt.Errorf("%w: ciphertext, key id and identity are required", ErrInvalidArgument)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	msg, err := parseMessage(raw)
	if err != nil {
		return nil, err
	}

	dk, err := c.api.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    msg.wrappedKey,
		KeyId:             aws.String(keyID),
		EncryptionContext: msg.header.Context,
	})
	if err != nil {
		return nil, classifyKMSError("decrypt data key", err)
	}
	if len(dk.Plaintext) != dataKeySize {
		return nil, fmt.Errorf("%w: unexpected data key size", ErrDecryptFailed)
	}
	defer wipe(dk.Plaintext)

	aead, err := chacha20poly1305.NewX(dk.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("envelope: init cipher: %w", err)
	}
	if len(msg.body) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: truncated body", ErrMalformedCiphertext)
	}
	nonce, sealed := msg.body[:aead.NonceSize()], msg.body[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, msg.rawHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	if msg.header.Context[IdentityContextKey] != identity {
		wipe(plaintext)
		return nil, ErrIdentityMismatch
	}
	return plaintext, nil
}

type message struct {
	rawHeader  []byte
	header     header
	wrappedKey []byte
	body       []byte
}

func parseMessage(raw []byte) (message, error) {
	if len(raw) < 1 || raw[0] != formatVersion {
		return message{}, fmt.Errorf("%w: unknown format version", ErrMalformedCiphertext)
	}
	rest := raw[1:]
	hdr, rest, ok := readChunk(rest)
	if !ok {
		return message{}, fmt.Errorf("%w: truncated header", ErrMalformedCiphertext)
	}
	wrapped, rest, ok := readChunk(rest)
	if !ok || len(wrapped) == 0 {
		return message{}, fmt.Errorf("%w: truncated data key", ErrMalformedCiphertext)
	}

	var h header
	if err := json.Unmarshal(hdr, &h); err != nil {
		return message{}, fmt.Errorf("%w: header: %v", ErrMalformedCiphertext, err)
	}
	if h.Context[IdentityContextKey] == "" {
		return message{}, fmt.Errorf("%w: header missing identity context", ErrMalformedCiphertext)
	}
	return message{rawHeader: hdr, header: h, wrappedKey: wrapped, body: rest}, nil
}

func writeChunk(buf *bytes.Buffer, b []byte) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

func readChunk(b []byte) (chunk, rest []byte, ok bool) {
	if len(b) < 2 {
		return nil, nil, false
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if len(b)-2 < n {
		return nil, nil, false
	}
	return b[2 : 2+n], b[2+n:], true
}

func identityContext(identity string) map[string]string {
	return map[string]string{IdentityContextKey: identity}
}

func classifyKMSError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "DisabledException", "NotFoundException",
			"KMSInvalidStateException", "KeyUnavailableException", "InvalidKeyUsageException":
			return fmt.Errorf("%w: %s: %v", ErrKeyUnavailable, op, err)
		case "InvalidCiphertextException", "IncorrectKeyException":
			return fmt.Errorf("%w: %s: %v", ErrDecryptFailed, op, err)
		}
	}
	return fmt.Errorf("envelope: %s: %w", op, err)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
