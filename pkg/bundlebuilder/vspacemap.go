package bundlebuilder

import "github.com/AmbiML/sparrowos-core/pkg/sel4"

// Mapping records one page range mapped into an app's VSpace during
// construction.
type Mapping struct {
	VAddr  uint64
	Size   uint64
	Rights sel4.Rights
}

// VSpaceMap is a debug-only record of every mapping a Bundle Builder
// installed for one app, queried the same way the teacher's mount package
// answers "is this path mounted, and with what" (mount.FindMount /
// mount.GetMountAt): a flat list, searched linearly, because the
// expected size (a handful of sections, a stack, two special pages) never
// justifies an index.
type VSpaceMap struct {
	mappings []Mapping
}

func (v *VSpaceMap) record(vaddr, size uint64, rights sel4.Rights) {
	v.mappings = append(v.mappings, Mapping{VAddr: vaddr, Size: size, Rights: rights})
}

// Find reports whether vaddr falls within some recorded mapping, and
// returns it.
func (v *VSpaceMap) Find(vaddr uint64) (Mapping, bool) {
	for _, m := range v.mappings {
		if vaddr >= m.VAddr && vaddr < m.VAddr+m.Size {
			return m, true
		}
	}
	return Mapping{}, false
}

// List returns every recorded mapping, in installation order.
func (v *VSpaceMap) List() []Mapping {
	out := make([]Mapping, len(v.mappings))
	copy(out, v.mappings)
	return out
}
