// Package auth — password hashing utilities.
//
// WHY ARGON2ID?
// Argon2id is a password hashing function designed to be slow AND memory-hard.
// Slowness makes brute force expensive; memory-hardness makes it expensive on
// GPUs/ASICs too, because every guess needs its own block of RAM.
//
// Argon2id:
//   - Takes a random salt per hash (same password → different hashes)
//   - Is tuned by memory (KiB), iterations and parallelism
//   - Has no built-in string format, so we use the PHC format which embeds
//     all parameters next to the salt and hash:
//
//	$argon2id$v=19$m=65536,t=3,p=2$<base64 salt>$<base64 hash>
//	          ^    ^       ^   ^
//	          |    memory  |   parallelism
//	          version      iterations
//
// Because the parameters live in the hash, we can raise the defaults later and
// old hashes still verify with the parameters they were created with.
//
// LEGACY BCRYPT:
// Hashes starting with "$2" are bcrypt. Verify still accepts them so accounts
// imported from older systems keep working; new hashes are always argon2id.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const (
	// MinPasswordLength is enforced before any hashing happens.
	MinPasswordLength = 8
	// MaxPasswordLength bounds the work an attacker can force per request.
	MaxPasswordLength = 1024
)

var (
	ErrPasswordTooShort = fmt.Errorf("auth: password must be at least %d characters", MinPasswordLength)
	ErrPasswordTooLong  = fmt.Errorf("auth: password must be at most %d bytes", MaxPasswordLength)
	// ErrMalformedHash means the STORED hash is unreadable. That is a data or
	// configuration problem, never a "wrong password".
	ErrMalformedHash = errors.New("auth: malformed password hash")
)

// HashParams are the argon2id cost factors.
type HashParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultHashParams: 64 MiB, 3 passes, 2 lanes. Roughly 50–100ms on a
// typical container core.
var DefaultHashParams = HashParams{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

// PasswordService hashes and verifies passwords.
//
// CONCURRENCY CAP:
// Each argon2id hash allocates Memory KiB. Fifty simultaneous logins at
// 64 MiB each is 3 GiB, so a weighted semaphore limits how many hashes run at
// once. Requests beyond the limit wait (or give up when their ctx is done).
type PasswordService struct {
	params HashParams
	sem    *semaphore.Weighted

	dummyOnce sync.Once
	dummyHash string
}

// NewPasswordService creates a PasswordService with DefaultHashParams.
// maxConcurrent <= 0 means runtime.GOMAXPROCS(0).
func NewPasswordService(maxConcurrent int) *PasswordService {
	return newPasswordService(DefaultHashParams, maxConcurrent)
}

// NewPasswordServiceForTest uses the smallest sensible argon2id parameters.
// Other packages' tests use it to avoid 64 MiB allocations per hash.
//
// Do NOT use in production.
func NewPasswordServiceForTest() *PasswordService {
	return newPasswordService(HashParams{
		Memory:      64,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}, 4)
}

func newPasswordService(p HashParams, maxConcurrent int) *PasswordService {
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.GOMAXPROCS(0)
	}
	return &PasswordService{
		params: p,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// ValidatePassword checks the length rules without hashing.
func ValidatePassword(plaintext string) error {
	// Length is counted in characters, not bytes, for the minimum: "pässwörd"
	// is 8 characters even though it is 10 bytes.
	if len([]rune(plaintext)) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(plaintext) > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

// Hash returns the PHC-encoded argon2id hash of plaintext.
func (p *PasswordService) Hash(ctx context.Context, plaintext string) (string, error) {
	if err := ValidatePassword(plaintext); err != nil {
		return "", err
	}

	salt := make([]byte, p.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: reading random salt: %w", err)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("auth: waiting for hash slot: %w", err)
	}
	key := argon2.IDKey([]byte(plaintext), salt, p.params.Iterations, p.params.Memory, p.params.Parallelism, p.params.KeyLength)
	p.sem.Release(1)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.params.Memory, p.params.Iterations, p.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether plaintext matches the stored hash.
//
// Returns (false, nil) for a wrong password and (false, err) when the stored
// hash cannot be read. Callers must treat the error as an internal failure.
//
// TIMING SAFETY:
// The final comparison uses subtle.ConstantTimeCompare (argon2id) or
// bcrypt's own constant-time compare, so response time does not leak how
// many bytes matched.
func (p *PasswordService) Verify(ctx context.Context, hash, plaintext string) (bool, error) {
	if strings.HasPrefix(hash, "$2") {
		return p.verifyBcrypt(ctx, hash, plaintext)
	}

	params, salt, want, err := decodeHash(hash)
	if err != nil {
		return false, err
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("auth: waiting for hash slot: %w", err)
	}
	got := argon2.IDKey([]byte(plaintext), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	p.sem.Release(1)

	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func (p *PasswordService) verifyBcrypt(ctx context.Context, hash, plaintext string) (bool, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("auth: waiting for hash slot: %w", err)
	}
	defer p.sem.Release(1)

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
}

// VerifyDummy spends about as long as a real Verify and always fails.
//
// Login calls this when no account (or no password) matches the email, so an
// attacker cannot tell "unknown email" from "wrong password" by timing.
func (p *PasswordService) VerifyDummy(ctx context.Context, plaintext string) {
	p.dummyOnce.Do(func() {
		h, err := p.Hash(context.Background(), "dummy-password-for-timing")
		if err == nil {
			p.dummyHash = h
		}
	})
	if p.dummyHash == "" {
		return
	}
	_, _ = p.Verify(ctx, p.dummyHash, plaintext)
}

// decodeHash parses "$argon2id$v=19$m=65536,t=3,p=2$salt$hash".
func decodeHash(encoded string) (HashParams, []byte, []byte, error) {
	var p HashParams

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, fmt.Errorf("%w: version: %v", ErrMalformedHash, err)
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("%w: unsupported argon2 version %d", ErrMalformedHash, version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return p, nil, nil, fmt.Errorf("%w: params: %v", ErrMalformedHash, err)
	}
	// argon2.IDKey panics on zero iterations or parallelism
	if p.Iterations == 0 || p.Parallelism == 0 {
		return p, nil, nil, fmt.Errorf("%w: zero cost parameter", ErrMalformedHash)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, fmt.Errorf("%w: key", ErrMalformedHash)
	}

	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(key))
	return p, salt, key, nil
}
