package culling

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"voxelcull.ai/internal/sim/octree"
)

type (
	ObjectID   uint64
	GroupID    uint64
	ObserverID string
)

// Capabilities is everything the engine needs to know about how an object
// takes part in culling. It is read once per object per evaluation.
type Capabilities struct {
	// Culled objects receive individual visible/culled decisions.
	Culled bool `json:"culled,omitempty"`
	// RenderProxy objects have a visual-only proxy shown per observer.
	RenderProxy bool `json:"render_proxy,omitempty"`
	// AsyncSafe objects may have their effects applied from a job goroutine.
	AsyncSafe bool `json:"async_safe,omitempty"`
	// Groups makes the object group-culled: it never gets a decision of its
	// own, its groups do.
	Groups []GroupID `json:"groups,omitempty"`
}

func (c Capabilities) GroupCulled() bool { return len(c.Groups) > 0 }

// Object is a world object as the host reports it. Bounds must stay fixed
// while the object is inserted.
type Object struct {
	ID     ObjectID     `json:"id"`
	World  string       `json:"world"`
	Bounds octree.Box   `json:"bounds"`
	Caps   Capabilities `json:"caps"`
}

func (o Object) Center() mgl64.Vec3 { return o.Bounds.Center() }

// Group is a set of objects sharing one verdict, e.g. several blocks drawn by
// one merged mesh.
type Group struct {
	ID        GroupID `json:"id"`
	Name      string  `json:"name"`
	AsyncSafe bool    `json:"async_safe,omitempty"`
}

type groupEntry struct {
	Group
	members map[ObjectID]struct{}
}

// registry is the arena behind object and group handles. Objects refer to
// groups and groups to objects by id only.
type registry struct {
	mu        sync.RWMutex
	objects   map[ObjectID]Object
	groups    map[GroupID]*groupEntry
	nextGroup GroupID
}

func newRegistry() *registry {
	return &registry{
		objects: map[ObjectID]Object{},
		groups:  map[GroupID]*groupEntry{},
	}
}

func (r *registry) object(id ObjectID) (Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.objects[id]
	return o, ok
}

// bounds is the octree key function. Unknown ids get an empty box, which
// overlaps nothing.
func (r *registry) bounds(id ObjectID) octree.Box {
	o, _ := r.object(id)
	return o.Bounds
}

func (r *registry) put(o Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[o.ID] = o
	for _, g := range o.Caps.Groups {
		if ge, ok := r.groups[g]; ok {
			ge.members[o.ID] = struct{}{}
		}
	}
}

func (r *registry) delete(id ObjectID) (Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[id]
	if !ok {
		return Object{}, false
	}
	delete(r.objects, id)
	for _, g := range o.Caps.Groups {
		if ge, ok := r.groups[g]; ok {
			delete(ge.members, id)
		}
	}
	return o, true
}

func (r *registry) inWorld(world string) []ObjectID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ObjectID
	for id, o := range r.objects {
		if o.World == world {
			out = append(out, id)
		}
	}
	return out
}

func (r *registry) createGroup(name string, asyncSafe bool) GroupID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextGroup++
	id := r.nextGroup
	r.groups[id] = r.adopt(Group{ID: id, Name: name, AsyncSafe: asyncSafe})
	return id
}

// adopt builds the entry for g with every registered object that already
// lists it. Objects may be put before their groups, e.g. on restore.
// Callers hold r.mu.
func (r *registry) adopt(g Group) *groupEntry {
	ge := &groupEntry{Group: g, members: map[ObjectID]struct{}{}}
	for id, o := range r.objects {
		for _, og := range o.Caps.Groups {
			if og == g.ID {
				ge.members[id] = struct{}{}
				break
			}
		}
	}
	return ge
}

func (r *registry) deleteGroup(id GroupID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[id]; !ok {
		return false
	}
	delete(r.groups, id)
	return true
}

// group returns a copy of the group and its current members.
func (r *registry) group(id GroupID) (Group, []ObjectID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ge, ok := r.groups[id]
	if !ok {
		return Group{}, nil, false
	}
	members := make([]ObjectID, 0, len(ge.members))
	for m := range ge.members {
		members = append(members, m)
	}
	return ge.Group, members, true
}

func (r *registry) counts() (objects, groups int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects), len(r.groups)
}

// snapshot copies every object and group for persistence.
func (r *registry) snapshot() ([]Object, []Group) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	objs := make([]Object, 0, len(r.objects))
	for _, o := range r.objects {
		objs = append(objs, o)
	}
	groups := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g.Group)
	}
	return objs, groups
}

// restoreGroup recreates a group under its old id.
func (r *registry) restoreGroup(g Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g.ID]; !ok {
		r.groups[g.ID] = r.adopt(g)
	}
	if g.ID > r.nextGroup {
		r.nextGroup = g.ID
	}
}
