package dict

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	for line, want := range map[string]string{
		"":                 "",
		"   ":              "",
		"# comment":        "",
		"plain":            "plain",
		`"quoted"`:         "quoted",
		`kw_admin="admin"`: "admin",
		`  "with=sign"  `:  "with=sign",
		`"`:                `"`,
	} {
		assert.Equal(t, want, parseLine(line), line)
	}
}
