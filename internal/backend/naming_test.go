package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamer(t *testing.T) {
	n := Namer{NetworkPrefix: "netlab", UnitPrefix: "lab_dev", User: "alice"}

	assert.Equal(t, "netlab_alice_A", n.NetworkName("A"))
	assert.Equal(t, "lab_dev_alice_pc1", n.UnitName("pc1"))
}

func TestValidatePrefix(t *testing.T) {
	tests := []struct {
		prefix  string
		wantErr bool
	}{
		{"netlab", false},
		{"net_lab", false},
		{"lab_", false},
		{"Netlab", true},
		{"net-lab", true},
		{"n", true},
		{"", true},
		{"lab1", true},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			err := ValidatePrefix(tt.prefix)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSanitizeUser(t *testing.T) {
	assert.Equal(t, "alice", SanitizeUser("Alice"))
	assert.Equal(t, "johndoe", SanitizeUser("john.doe"))
	assert.Equal(t, "domainbob", SanitizeUser(`DOMAIN\bob`))
}
