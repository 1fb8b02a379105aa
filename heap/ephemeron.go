package heap

// EphemeronTable is a weak-keyed map for use by heap objects. A value is
// kept alive only while its key is alive by other means, and entries whose
// key dies are removed at the end of the collection. The owning object
// calls Trace from its trace callback.
type EphemeronTable struct {
	entries    map[Address]Address
	iterations int
}

func NewEphemeronTable() *EphemeronTable {
	return &EphemeronTable{entries: make(map[Address]Address)}
}

func (t *EphemeronTable) Set(key, value Address) {
	if key == 0 {
		throw("heap: ephemeron table key must not be nil")
	}
	t.entries[key] = value
}

func (t *EphemeronTable) Get(key Address) (Address, bool) {
	v, ok := t.entries[key]
	return v, ok
}

func (t *EphemeronTable) Delete(key Address) { delete(t.entries, key) }

func (t *EphemeronTable) Len() int { return len(t.entries) }

// Trace registers the table with the collection.
func (t *EphemeronTable) Trace(v *Visitor) {
	v.RegisterWeakTable(t, iterateEphemeronTable, ephemeronTableDone)
	v.RegisterWeakMembers(t, removeDeadEphemerons)
}

func iterateEphemeronTable(v *Visitor, table any) {
	t := table.(*EphemeronTable)
	for key, value := range t.entries {
		if v.IsAlive(key) {
			v.Mark(value)
		}
	}
}

// ephemeronTableDone runs once the fixed point is reached. Entries with
// dead keys are dropped later, by weak processing.
func ephemeronTableDone(v *Visitor, table any) {
	t := table.(*EphemeronTable)
	t.iterations++
}

// Iterations counts the collections that reached a fixed point over the
// table.
func (t *EphemeronTable) Iterations() int { return t.iterations }

func removeDeadEphemerons(v *Visitor, closure any) {
	t := closure.(*EphemeronTable)
	for key := range t.entries {
		if !v.IsAlive(key) {
			delete(t.entries, key)
		}
	}
}
