// Package codegen генерирует уникальные коды скидок.
package codegen

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/mmeshcher/loyalty-engine/internal/validation"
)

// MaxAttempts ограничивает число попыток подобрать свободный код.
const MaxAttempts = 10

// ErrCodeSpaceExhausted возвращается, если за MaxAttempts попыток не найден свободный код.
// Пространство кодов (28³ × 10⁴) при этом не исчерпано: повторные коллизии указывают
// на сбой хранилища.
var ErrCodeSpaceExhausted = errors.New("code space exhausted")

// ExistsFunc сообщает, занят ли код в хранилище.
type ExistsFunc func(ctx context.Context, code string) (bool, error)

var (
	letters = []rune(validation.CodeLetters)
	digits  = []rune(validation.CodeDigits)
)

// Generator подбирает коды, отсутствующие в хранилище.
// Проверка не резервирует код: уникальность гарантирует индекс хранилища.
type Generator struct {
	exists      ExistsFunc
	random      io.Reader
	onCollision func()
}

// Option настраивает Generator.
type Option func(*Generator)

// WithRandom задаёт источник случайности.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) {
		g.random = r
	}
}

// WithCollisionHook задаёт функцию, вызываемую при каждой коллизии.
func WithCollisionHook(fn func()) Option {
	return func(g *Generator) {
		g.onCollision = fn
	}
}

// NewGenerator создаёт генератор, проверяющий коды через exists.
func NewGenerator(exists ExistsFunc, opts ...Option) *Generator {
	g := &Generator{
		exists: exists,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateCode возвращает код, не найденный в хранилище.
func (g *Generator) GenerateCode(ctx context.Context) (string, error) {
	for i := 0; i < MaxAttempts; i++ {
		code, err := g.candidate()
		if err != nil {
			return "", err
		}

		taken, err := g.exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code: %w", err)
		}
		if !taken {
			return code, nil
		}

		if g.onCollision != nil {
			g.onCollision()
		}
	}

	return "", ErrCodeSpaceExhausted
}

func (g *Generator) candidate() (string, error) {
	var b strings.Builder
	b.Grow(validation.CodeLetterCount*2 + validation.CodeDigitCount)

	for i := 0; i < validation.CodeLetterCount; i++ {
		ch, err := g.pick(letters)
		if err != nil {
			return "", err
		}
		b.WriteRune(ch)
	}
	for i := 0; i < validation.CodeDigitCount; i++ {
		ch, err := g.pick(digits)
		if err != nil {
			return "", err
		}
		b.WriteRune(ch)
	}

	return b.String(), nil
}

func (g *Generator) pick(alphabet []rune) (rune, error) {
	n, err := rand.Int(g.random, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return alphabet[n.Int64()], nil
}
