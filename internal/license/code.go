package license

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Alphabet excludes I, O, 0 and 1.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	DefaultPrefix = "QUIST"
	groupCount    = 3
	groupWidth    = 4
)

const (
	maxCodeLength = 50
	maxHWIDLength = 255
)

// NormalizeCode is applied to every code before lookup or registry keying.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type CodeGenerator struct {
	prefix  string
	pattern *regexp.Regexp
}

func NewCodeGenerator(prefix string) *CodeGenerator {
	prefix = NormalizeCode(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	group := fmt.Sprintf("[%s]{%d}", Alphabet, groupWidth)
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + strings.Repeat("-"+group, groupCount) + "$")
	return &CodeGenerator{prefix: prefix, pattern: pattern}
}

func (g *CodeGenerator) Next() (string, error) {
	var b strings.Builder
	b.Grow(len(g.prefix) + groupCount*(groupWidth+1))
	b.WriteString(g.prefix)
	max := big.NewInt(int64(len(Alphabet)))
	for i := 0; i < groupCount; i++ {
		b.WriteByte('-')
		for j := 0; j < groupWidth; j++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", err
			}
			b.WriteByte(Alphabet[n.Int64()])
		}
	}
	return b.String(), nil
}

// Valid reports whether code has the shape this generator produces.
func (g *CodeGenerator) Valid(code string) bool {
	return g.pattern.MatchString(code)
}
