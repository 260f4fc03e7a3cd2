// Copyright 2025 The fuchisa-os Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vm

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/hostarch"
)

type visit struct {
	Kind  string
	Name  string
	Depth uint
}

// collector records every visited node, optionally stopping after a
// fixed number of visits.
type collector struct {
	visits []visit
	limit  int
}

func (c *collector) record(kind, name string, depth uint) bool {
	c.visits = append(c.visits, visit{kind, name, depth})
	return c.limit == 0 || len(c.visits) < c.limit
}

func (c *collector) OnRegion(r *Region, depth uint) bool {
	return c.record("region", r.Name(), depth)
}

func (c *collector) OnMapping(m *Mapping, parent *Region, depth uint) bool {
	return c.record("mapping", m.Name(), depth)
}

// buildTree assembles:
//
//	root
//	  m0
//	  sub1
//	    m1
//	    nested
//	      m2
//	    m3
//	  sub2 (empty)
//	  m4
func buildTree(t *testing.T) (*AddressSpace, *Region) {
	t.Helper()
	as, _ := newTestAspace(t, AddressSpaceOptions{})
	root := as.RootRegion()

	mustMap(t, root, 0, pg, MMUPermRead, "m0")
	sub1 := mustSubRegion(t, root, 4*pg, 8*pg, 0, "sub1")
	mustMap(t, sub1, 0, pg, MMUPermRead, "m1")
	nested := mustSubRegion(t, sub1, 2*pg, 2*pg, 0, "nested")
	mustMap(t, nested, 0, pg, MMUPermRead, "m2")
	mustMap(t, sub1, 6*pg, pg, MMUPermRead, "m3")
	mustSubRegion(t, root, 16*pg, 4*pg, 0, "sub2")
	mustMap(t, root, 24*pg, pg, MMUPermRead, "m4")
	return as, root
}

func TestEnumerateChildren(t *testing.T) {
	_, root := buildTree(t)

	var c collector
	if !root.EnumerateChildren(&c, 1) {
		t.Fatal("walk stopped unexpectedly")
	}
	want := []visit{
		{"mapping", "m0", 1},
		{"region", "sub1", 1},
		{"mapping", "m1", 2},
		{"region", "nested", 2},
		{"mapping", "m2", 3},
		{"mapping", "m3", 2},
		{"region", "sub2", 1},
		{"mapping", "m4", 1},
	}
	if diff := cmp.Diff(want, c.visits); diff != "" {
		t.Errorf("visit order mismatch (-want +got):\n%s", diff)
	}
}

func TestEnumerateChildrenSubtree(t *testing.T) {
	_, root := buildTree(t)
	sub1 := root.FindRegion(root.Base() + hostarch.Addr(4*pg)).(*Region)

	var c collector
	if !sub1.EnumerateChildren(&c, 0) {
		t.Fatal("walk stopped unexpectedly")
	}
	want := []visit{
		{"mapping", "m1", 0},
		{"region", "nested", 0},
		{"mapping", "m2", 1},
		{"mapping", "m3", 0},
	}
	if diff := cmp.Diff(want, c.visits); diff != "" {
		t.Errorf("visit order mismatch (-want +got):\n%s", diff)
	}
}

func TestEnumerateChildrenEarlyStop(t *testing.T) {
	_, root := buildTree(t)

	c := collector{limit: 3}
	if root.EnumerateChildren(&c, 1) {
		t.Error("stopped walk reported completion")
	}
	if len(c.visits) != 3 {
		t.Errorf("visited %d nodes after stop, want 3", len(c.visits))
	}
}

func TestEnumerateChildrenDeadRegion(t *testing.T) {
	_, root := buildTree(t)
	sub1 := root.FindRegion(root.Base() + hostarch.Addr(4*pg)).(*Region)
	if err := sub1.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	var c collector
	if sub1.EnumerateChildren(&c, 0) {
		t.Error("walk over dead region reported completion")
	}
	if len(c.visits) != 0 {
		t.Errorf("walk over dead region visited %d nodes", len(c.visits))
	}

	// The walk from the root no longer sees the destroyed subtree.
	c = collector{}
	root.EnumerateChildren(&c, 1)
	want := []visit{
		{"mapping", "m0", 1},
		{"region", "sub2", 1},
		{"mapping", "m4", 1},
	}
	if diff := cmp.Diff(want, c.visits); diff != "" {
		t.Errorf("visit order mismatch (-want +got):\n%s", diff)
	}
}

// reaper destroys every mapping it visits.
type reaper struct {
	destroyed int
}

func (r *reaper) OnRegion(*Region, uint) bool { return true }

func (r *reaper) OnMapping(m *Mapping, parent *Region, depth uint) bool {
	if err := m.destroyLocked(); err != nil {
		return false
	}
	r.destroyed++
	return true
}

func TestEnumerateChildrenDestructiveCallback(t *testing.T) {
	as, root := buildTree(t)

	var r reaper
	if !root.EnumerateChildren(&r, 0) {
		t.Fatal("walk stopped unexpectedly")
	}
	if r.destroyed != 5 {
		t.Errorf("destroyed %d mappings, want 5", r.destroyed)
	}
	if got := as.AllocatedPages(); got != 0 {
		t.Errorf("AllocatedPages = %d after reaping, want 0", got)
	}

	// Only the now-empty regions remain.
	var c collector
	root.EnumerateChildren(&c, 0)
	want := []visit{
		{"region", "sub1", 0},
		{"region", "nested", 1},
		{"region", "sub2", 0},
	}
	if diff := cmp.Diff(want, c.visits); diff != "" {
		t.Errorf("visit order mismatch (-want +got):\n%s", diff)
	}
}
