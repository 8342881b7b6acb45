package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mmr-tortoise/netlab/internal/model"
)

// TestBuildLabels pins the label schema. Renaming a key would orphan every
// existing deployment.
func TestBuildLabels(t *testing.T) {
	labels := BuildLabels("abc123", "pc1", "alice")

	assert.Equal(t, map[string]string{
		"app":      "netlab",
		"lab_hash": "abc123",
		"name":     "pc1",
		"user":     "alice",
	}, labels)
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name     string
		filter   Filter
		selector string
	}{
		{"everything", Filter{}, "app=netlab"},
		{"lab", Filter{LabHash: "h1"}, "app=netlab,lab_hash=h1"},
		{"user", Filter{User: "bob"}, "app=netlab,user=bob"},
		{"all fields", Filter{LabHash: "h1", Name: "A", User: "bob"}, "app=netlab,lab_hash=h1,name=A,user=bob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.selector, tt.filter.Selector())
		})
	}
}

func TestFilter_Matches(t *testing.T) {
	labels := BuildLabels("h1", "A", "bob")

	assert.True(t, Filter{}.Matches(labels))
	assert.True(t, Filter{LabHash: "h1", User: "bob"}.Matches(labels))
	assert.False(t, Filter{LabHash: "h2"}.Matches(labels))
	assert.False(t, Filter{}.Matches(map[string]string{"name": "A"}), "unmanaged objects never match")
}

func TestHandlesFromLabels(t *testing.T) {
	labels := BuildLabels("h1", "pc1", "bob")
	labels[LabelShell] = "/bin/sh"

	u := UnitHandleFromLabels("id1", "netlab_bob_pc1", labels)
	assert.Equal(t, "pc1", u.LogicalName)
	assert.Equal(t, "h1", u.LabHash)
	assert.Equal(t, "bob", u.User)
	assert.Equal(t, "/bin/sh", u.Shell)

	labels[LabelName] = "changed"
	assert.Equal(t, "pc1", u.Labels[LabelName], "handle keeps its own copy of the labels")

	n := NetworkHandleFromLabels("id2", "netlab_bob_A", BuildLabels("h1", "A", "bob"))
	assert.Equal(t, "A", n.LogicalName)
	assert.Equal(t, "netlab_bob_A", n.Name)
}

func TestExternalLabel(t *testing.T) {
	links := []model.ExternalLink{{Interface: "eth1"}, {Interface: "eth2", VLAN: 20}}
	assert.Equal(t, "eth1,eth2.20", ExternalLabel(links))
	assert.Equal(t, "", ExternalLabel(nil))
}
