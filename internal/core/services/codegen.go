package services

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/infrastructure/metrics"
)

// MaxGenerationAttempts bounds GenerateUnique before it gives up.
const MaxGenerationAttempts = 100

// CodeGenerator draws key codes from domain.CodeAlphabet.
type CodeGenerator struct {
	random io.Reader
}

// NewCodeGenerator returns a generator reading from random, or crypto/rand when nil.
func NewCodeGenerator(random io.Reader) *CodeGenerator {
	if random == nil {
		random = rand.Reader
	}
	return &CodeGenerator{random: random}
}

// Generate returns a fresh XXXX-XXXX-XXXX-XXXX code. Indices are drawn uniformly
// with crypto/rand.Int so no symbol is favored by modulo bias.
func (g *CodeGenerator) Generate() (string, error) {
	alphabetSize := big.NewInt(int64(len(domain.CodeAlphabet)))

	var sb strings.Builder
	sb.Grow(domain.CodeLength)
	for group := 0; group < domain.CodeGroups; group++ {
		if group > 0 {
			sb.WriteByte('-')
		}
		for i := 0; i < domain.CodeGroupSize; i++ {
			idx, err := rand.Int(g.random, alphabetSize)
			if err != nil {
				return "", fmt.Errorf("failed to read random source: %w", err)
			}
			sb.WriteByte(domain.CodeAlphabet[idx.Int64()])
		}
	}
	return sb.String(), nil
}

// GenerateUnique retries Generate until exists reports the code is unused.
// The store's unique constraint on the code column remains the final guard.
func (g *CodeGenerator) GenerateUnique(ctx context.Context, exists func(ctx context.Context, code string) (bool, error)) (string, error) {
	for attempt := 1; attempt <= MaxGenerationAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := g.Generate()
		if err != nil {
			return "", err
		}
		taken, err := exists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			metrics.CodeGenerationAttempts.Observe(float64(attempt))
			return code, nil
		}
	}
	metrics.CodeGenerationExhausted.Inc()
	return "", domain.NewError(domain.KindGenerationExhausted,
		fmt.Sprintf("no unused key code found after %d attempts", MaxGenerationAttempts))
}
