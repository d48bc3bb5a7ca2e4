package machine

import "github.com/dolthub/swiss"

// globalsTable maps global names to values. A parallel insertion-order name
// list is kept so the serializer can walk the table deterministically.
type globalsTable struct {
	m     *swiss.Map[string, Value]
	names []string
}

func newGlobals() *globalsTable {
	return &globalsTable{m: swiss.NewMap[string, Value](8)}
}

// put binds name unconditionally, recording first-seen insertion order.
func (g *globalsTable) put(name string, v Value) {
	if _, ok := g.m.Get(name); !ok {
		g.names = append(g.names, name)
	}
	g.m.Put(name, v)
}

// declare binds name to v and fails if the name is already bound.
func (g *globalsTable) declare(name string, v Value, line int) error {
	if _, ok := g.m.Get(name); ok {
		return rerrorf(VariableAlreadyDeclared, line, "Variable %s already declared", name)
	}
	g.put(name, v)
	return nil
}

func (g *globalsTable) lookup(name string) (Value, bool) {
	return g.m.Get(name)
}

// set rebinds an existing name and fails if the name is not bound.
func (g *globalsTable) set(name string, v Value, line int) error {
	if _, ok := g.m.Get(name); !ok {
		return rerrorf(VariableNotDeclared, line, "Variable %s is not declared", name)
	}
	g.m.Put(name, v)
	return nil
}
