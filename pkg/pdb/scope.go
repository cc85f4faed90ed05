package pdb

import (
	"sync"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

const rootScope = 0

// scopeNode is one scope of a method. The root node has no LocalScope row
// and spans the whole body.
type scopeNode struct {
	handle   metadata.LocalScopeHandle
	parent   int
	start    int
	end      int
	children []int
	computed bool
}

// scopeTree is the arena holding a method's scopes. Nodes are appended as
// children are first requested and never change afterwards.
type scopeTree struct {
	method *Method
	mu     sync.Mutex
	nodes  []scopeNode
}

func newScopeTree(m *Method) (*scopeTree, error) {
	md := m.reader.md
	root := scopeNode{parent: -1}
	if scopes := md.LocalScopes(m.handle); len(scopes) > 0 {
		first, err := md.LocalScope(scopes[0])
		if err != nil {
			return nil, err
		}
		root.end = int(first.EndOffset())
	}
	return &scopeTree{method: m, nodes: []scopeNode{root}}, nil
}

// childrenOf returns the node ids of id's children, reading them on first use.
func (t *scopeTree) childrenOf(id int) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nodes[id].computed {
		return t.nodes[id].children, nil
	}

	md := t.method.reader.md
	var handles []metadata.LocalScopeHandle
	if id == rootScope {
		if scopes := md.LocalScopes(t.method.handle); len(scopes) > 0 {
			handles = scopes[:1]
		}
	} else {
		var err error
		if handles, err = md.LocalScopeChildren(t.nodes[id].handle); err != nil {
			return nil, recordDecodeError("scope", err)
		}
	}

	children := make([]int, 0, len(handles))
	for _, h := range handles {
		row, err := md.LocalScope(h)
		if err != nil {
			return nil, recordDecodeError("scope", err)
		}
		end := int(row.EndOffset())
		if id != rootScope && t.method.reader.isVisualBasic() {
			// VB scope ends are inclusive.
			end--
		}
		t.nodes = append(t.nodes, scopeNode{
			handle: h,
			parent: id,
			start:  int(row.StartOffset),
			end:    end,
		})
		children = append(children, len(t.nodes)-1)
	}
	t.nodes[id].children = children
	t.nodes[id].computed = true
	return children, nil
}

func (t *scopeTree) node(id int) scopeNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes[id]
}

// Scope is a lexical scope of a method body.
type Scope struct {
	tree *scopeTree
	id   int
}

func (s *Scope) reader() *Reader {
	return s.tree.method.reader
}

// Method returns the method the scope belongs to.
func (s *Scope) Method() (*Method, error) {
	if err := s.reader().checkOpen(); err != nil {
		return nil, err
	}
	return s.tree.method, nil
}

// Parent returns the enclosing scope, or nil for the root scope.
func (s *Scope) Parent() (*Scope, error) {
	if err := s.reader().checkOpen(); err != nil {
		return nil, err
	}
	n := s.tree.node(s.id)
	if n.parent < 0 {
		return nil, nil
	}
	return &Scope{tree: s.tree, id: n.parent}, nil
}

// Children returns the directly nested scopes in IL order. The root scope
// has at most one child.
func (s *Scope) Children() ([]*Scope, error) {
	if err := s.reader().checkOpen(); err != nil {
		return nil, err
	}
	ids, err := s.tree.childrenOf(s.id)
	if err != nil {
		return nil, err
	}
	out := make([]*Scope, len(ids))
	for i, id := range ids {
		out[i] = &Scope{tree: s.tree, id: id}
	}
	return out, nil
}

// ChildCount returns the number of directly nested scopes.
func (s *Scope) ChildCount() (int, error) {
	if err := s.reader().checkOpen(); err != nil {
		return 0, err
	}
	ids, err := s.tree.childrenOf(s.id)
	return len(ids), err
}

// StartOffset returns the first IL offset of the scope.
func (s *Scope) StartOffset() (int, error) {
	if err := s.reader().checkOpen(); err != nil {
		return 0, err
	}
	return s.tree.node(s.id).start, nil
}

// EndOffset returns the end IL offset. It is exclusive, except for nested
// scopes of Visual Basic methods where it is inclusive.
func (s *Scope) EndOffset() (int, error) {
	if err := s.reader().checkOpen(); err != nil {
		return 0, err
	}
	return s.tree.node(s.id).end, nil
}

func (s *Scope) localHandles() ([]metadata.LocalVariableHandle, error) {
	if err := s.reader().checkOpen(); err != nil {
		return nil, err
	}
	if s.id == rootScope {
		return nil, nil
	}
	return s.reader().md.LocalScopeVariables(s.tree.node(s.id).handle)
}

// LocalCount returns the number of locals declared directly in the scope.
func (s *Scope) LocalCount() (int, error) {
	handles, err := s.localHandles()
	return len(handles), err
}

// Locals returns the locals declared directly in the scope. The root scope
// declares none.
func (s *Scope) Locals() ([]*Variable, error) {
	handles, err := s.localHandles()
	if err != nil {
		return nil, err
	}
	out := make([]*Variable, len(handles))
	for i, h := range handles {
		out[i] = &Variable{reader: s.reader(), handle: h}
	}
	return out, nil
}

func (s *Scope) constantHandles() ([]metadata.LocalConstantHandle, error) {
	if err := s.reader().checkOpen(); err != nil {
		return nil, err
	}
	if s.id == rootScope {
		return nil, nil
	}
	return s.reader().md.LocalScopeConstants(s.tree.node(s.id).handle)
}

// ConstantCount returns the number of constants declared directly in the scope.
func (s *Scope) ConstantCount() (int, error) {
	handles, err := s.constantHandles()
	return len(handles), err
}

// Constants returns the constants declared directly in the scope.
func (s *Scope) Constants() ([]*Constant, error) {
	handles, err := s.constantHandles()
	if err != nil {
		return nil, err
	}
	out := make([]*Constant, len(handles))
	for i, h := range handles {
		out[i] = &Constant{reader: s.reader(), handle: h}
	}
	return out, nil
}

// Namespaces are not recorded per scope in Portable PDBs.
func (s *Scope) Namespaces() ([]string, error) {
	return nil, s.reader().notImplemented()
}

// innermost returns the deepest scope whose range contains offset.
func (s *Scope) innermost(offset int) (*Scope, error) {
	cur := s
	for {
		ids, err := cur.tree.childrenOf(cur.id)
		if err != nil {
			return nil, err
		}
		next := -1
		for _, id := range ids {
			n := cur.tree.node(id)
			end := n.end
			if cur.id != rootScope && cur.tree.method.reader.isVisualBasic() {
				end++
			}
			if n.start <= offset && offset < end {
				next = id
				break
			}
		}
		if next < 0 {
			return cur, nil
		}
		cur = &Scope{tree: cur.tree, id: next}
	}
}
