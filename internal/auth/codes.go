package auth

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// backupCodeCharset excludes ambiguous characters (0/O, 1/I/L)
const backupCodeCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// BackupCodeLength is the number of significant characters in a backup code
const BackupCodeLength = 8

// Generator produces secure random codes from an injected source
type Generator struct {
	random io.Reader
}

// NewGenerator creates a code generator; nil random means crypto/rand
func NewGenerator(random io.Reader) *Generator {
	if random == nil {
		random = rand.Reader
	}
	return &Generator{random: random}
}

// Reader exposes the underlying random source
func (g *Generator) Reader() io.Reader {
	return g.random
}

// pick returns a uniformly distributed index in [0, n) using rejection sampling
func (g *Generator) pick(n int) (int, error) {
	limit := 256 - (256 % n)
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(g.random, b); err != nil {
			return 0, fmt.Errorf("failed to generate random byte: %w", err)
		}
		if int(b[0]) < limit {
			return int(b[0]) % n, nil
		}
	}
}

// NumericCode returns a numeric code of exactly length digits
func (g *Generator) NumericCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("code length must be positive")
	}
	code := make([]byte, length)
	for i := range code {
		d, err := g.pick(10)
		if err != nil {
			return "", err
		}
		code[i] = byte('0' + d)
	}
	return string(code), nil
}

// BackupCodes generates count codes formatted as XXXX-XXXX
func (g *Generator) BackupCodes(count int) ([]string, error) {
	codes := make([]string, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, BackupCodeLength)
		for j := range raw {
			idx, err := g.pick(len(backupCodeCharset))
			if err != nil {
				return nil, err
			}
			raw[j] = backupCodeCharset[idx]
		}
		codes[i] = string(raw[:BackupCodeLength/2]) + "-" + string(raw[BackupCodeLength/2:])
	}
	return codes, nil
}

// NormalizeBackupCode strips separators and whitespace and upper-cases the code
func NormalizeBackupCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if r == '-' || r == ' ' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CodeHasher hashes short codes with bcrypt (salted, iterated)
type CodeHasher struct {
	cost int
}

// NewCodeHasher clamps cost to the bcrypt range
func NewCodeHasher(cost int) *CodeHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &CodeHasher{cost: cost}
}

// Hash returns the bcrypt hash of code
func (h *CodeHasher) Hash(code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("code cannot be empty")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(code), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash code: %w", err)
	}
	return string(b), nil
}

// Matches reports whether code hashes to hash (constant-time inside bcrypt)
func (h *CodeHasher) Matches(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
