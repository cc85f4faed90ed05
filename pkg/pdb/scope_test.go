package pdb_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/goportablepdb/internal/pdbtest"
	"github.com/jtang613/goportablepdb/pkg/pdb"
	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

// nestedScopes adds a method with one outer scope holding two siblings.
func nestedScopes(b *pdbtest.Builder) *pdbtest.Method {
	d := b.AddDocument("/src/Scopes.cs", metadata.LanguageCSharp)
	m := b.AddMethod().SequencePoints(pdbtest.Point(d, 0, 1, 1, 2))
	m.AddScope(0, 30).Local("this", 0, pdb.VariableAttributeDebuggerHidden)
	m.AddScope(2, 20).Local("i", 1, 0).Constant("Answer", []byte{0x08, 42, 0, 0, 0})
	m.AddScope(22, 6).Local("s", 2, 0).Constant("Missing", []byte{0x0e, 0xFF})
	return m
}

func scopeRange(t *testing.T, s *pdb.Scope) [2]int {
	t.Helper()
	start, err := s.StartOffset()
	require.NoError(t, err)
	end, err := s.EndOffset()
	require.NoError(t, err)
	return [2]int{start, end}
}

func TestScope_Tree(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name   string
		vb     bool
		nested [][2]int
	}{
		{name: "csharp", nested: [][2]int{{2, 22}, {22, 28}}},
		{name: "visual basic", vb: true, nested: [][2]int{{2, 21}, {22, 27}}},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := pdbtest.New()
			if tc.vb {
				b.SetVisualBasic("App")
			}
			m := nestedScopes(b)
			r := openReader(t, b)
			vb, err := r.IsVisualBasic()
			require.NoError(t, err)
			assert.Equal(t, tc.vb, vb)

			method, err := r.Method(m.Token())
			require.NoError(t, err)
			root, err := method.RootScope()
			require.NoError(t, err)
			assert.Equal(t, [2]int{0, 30}, scopeRange(t, root))
			parent, err := root.Parent()
			require.NoError(t, err)
			assert.Nil(t, parent)
			n, err := root.LocalCount()
			require.NoError(t, err)
			assert.Zero(t, n, "the root scope has no locals of its own")

			children, err := root.Children()
			require.NoError(t, err)
			require.Len(t, children, 1)
			outer := children[0]
			assert.Equal(t, [2]int{0, 30}, scopeRange(t, outer), "children of the root keep their end")

			nested, err := outer.Children()
			require.NoError(t, err)
			require.Len(t, nested, 2)
			for i, s := range nested {
				assert.Equal(t, tc.nested[i], scopeRange(t, s))
				p, err := s.Parent()
				require.NoError(t, err)
				assert.Equal(t, scopeRange(t, outer), scopeRange(t, p))
			}
			count, err := outer.ChildCount()
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			for offset, want := range map[int][2]int{
				0:  {0, 30},
				2:  tc.nested[0],
				21: tc.nested[0],
				22: tc.nested[1],
				28: {0, 30},
				30: {0, 30},
			} {
				s, err := method.ScopeFromOffset(offset)
				require.NoError(t, err)
				assert.Equal(t, want, scopeRange(t, s), "offset %d", offset)
			}

			owner, err := nested[0].Method()
			require.NoError(t, err)
			assert.Same(t, method, owner)
		})
	}
}

func TestScope_LocalsAndConstants(t *testing.T) {
	t.Parallel()
	b := pdbtest.New()
	m := nestedScopes(b)
	r := openReader(t, b)
	method, err := r.Method(m.Token())
	require.NoError(t, err)

	outer, err := method.ScopeFromOffset(29)
	require.NoError(t, err)
	locals, err := outer.Locals()
	require.NoError(t, err)
	require.Len(t, locals, 1)
	name, err := locals[0].Name()
	require.NoError(t, err)
	assert.Equal(t, "this", name)
	attrs, err := locals[0].Attributes()
	require.NoError(t, err)
	assert.Equal(t, pdb.VariableAttributeDebuggerHidden, attrs)
	kind, err := locals[0].AddressKind()
	require.NoError(t, err)
	assert.Equal(t, pdb.AddressKindILOffset, kind)

	inner, err := method.ScopeFromOffset(5)
	require.NoError(t, err)
	locals, err = inner.Locals()
	require.NoError(t, err)
	require.Len(t, locals, 1)
	slot, err := locals[0].AddressField1()
	require.NoError(t, err)
	assert.Equal(t, 1, slot)

	constants, err := inner.Constants()
	require.NoError(t, err)
	require.Len(t, constants, 1)
	name, err = constants[0].Name()
	require.NoError(t, err)
	assert.Equal(t, "Answer", name)
	value, err := constants[0].Value()
	require.NoError(t, err)
	assert.Equal(t, int32(42), value)
	again, err := constants[0].Value()
	require.NoError(t, err)
	assert.Equal(t, value, again)
	sig, err := constants[0].Signature()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08}, sig)
	sig[0] = 0xFF
	sig, _ = constants[0].Signature()
	assert.Equal(t, []byte{0x08}, sig, "callers get a copy of the signature")

	last, err := method.ScopeFromOffset(23)
	require.NoError(t, err)
	n, err := last.ConstantCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	constants, err = last.Constants()
	require.NoError(t, err)
	value, err = constants[0].Value()
	require.NoError(t, err)
	assert.Equal(t, pdb.NullReference, value)

	info, err := method.Info()
	require.NoError(t, err)
	require.NotNil(t, info.RootScope)
	require.Len(t, info.RootScope.Children, 1)
	require.Len(t, info.RootScope.Children[0].Children, 2)
	answer := info.RootScope.Children[0].Children[0].Constants[0]
	assert.Equal(t, pdb.ConstantInfo{Name: "Answer", Value: int32(42), Signature: "08"}, answer)
	assert.Nil(t, info.Async)
}

func TestConstant_ValueAfterEviction(t *testing.T) {
	t.Parallel()
	b := pdbtest.New()
	d := b.AddDocument("/src/Consts.cs", metadata.LanguageCSharp)
	m := b.AddMethod().SequencePoints(pdbtest.Point(d, 0, 1, 1, 2))
	m.AddScope(0, 8).
		Constant("Seven", []byte{0x08, 7, 0, 0, 0}).
		Constant("Greeting", []byte{0x0e, 'h', 0, 'i', 0})
	r := openReader(t, b, pdb.WithConstantCacheSize(1))

	method, err := r.Method(m.Token())
	require.NoError(t, err)
	scope, err := method.ScopeFromOffset(0)
	require.NoError(t, err)
	constants, err := scope.Constants()
	require.NoError(t, err)
	require.Len(t, constants, 2)

	// Each lookup evicts the other constant; decoding again must agree.
	for i := 0; i < 3; i++ {
		v, err := constants[0].Value()
		require.NoError(t, err)
		assert.Equal(t, int32(7), v)
		v, err = constants[1].Value()
		require.NoError(t, err)
		assert.Equal(t, "hi", v)
	}
}

func TestScope_MethodWithoutScopes(t *testing.T) {
	t.Parallel()
	b := pdbtest.New()
	d := b.AddDocument("/src/A.cs", metadata.LanguageCSharp)
	m := b.AddMethod().SequencePoints(pdbtest.Point(d, 0, 1, 1, 2))
	r := openReader(t, b)
	method, err := r.Method(m.Token())
	require.NoError(t, err)

	root, err := method.RootScope()
	require.NoError(t, err)
	assert.Equal(t, [2]int{0, 0}, scopeRange(t, root))
	children, err := root.Children()
	require.NoError(t, err)
	assert.Empty(t, children)
	s, err := method.ScopeFromOffset(10)
	require.NoError(t, err)
	assert.Equal(t, [2]int{0, 0}, scopeRange(t, s))
}

func TestMethod_Async(t *testing.T) {
	t.Parallel()
	b := pdbtest.New()
	d := b.AddDocument("/src/Async.cs", metadata.LanguageCSharp)
	kickoff := b.AddMethod().SequencePoints(pdbtest.Point(d, 0, 5, 1, 2))
	moveNext := b.AddMethod().SequencePoints(pdbtest.Point(d, 0, 6, 1, 2))
	moveNext.StateMachine(kickoff).AsyncStepping(pdbtest.AsyncSteppingBlob(0x10,
		pdbtest.AsyncStep{YieldOffset: 0x20, ResumeOffset: 0x28, ResumeMethod: uint32(moveNext.Handle())},
		pdbtest.AsyncStep{YieldOffset: 0x40, ResumeOffset: 0x48, ResumeMethod: uint32(moveNext.Handle())},
	))
	noHandler := b.AddMethod().SequencePoints(pdbtest.Point(d, 0, 7, 1, 2))
	noHandler.StateMachine(kickoff).AsyncStepping(pdbtest.AsyncSteppingBlob(0))
	overflow := b.AddMethod().SequencePoints(pdbtest.Point(d, 0, 8, 1, 2))
	overflow.StateMachine(kickoff).AsyncStepping(pdbtest.AsyncSteppingBlob(0x80000001))
	iterator := b.AddMethod().SequencePoints(pdbtest.Point(d, 0, 9, 1, 2))
	iterator.StateMachine(kickoff)
	r := openReader(t, b)

	method, err := r.Method(moveNext.Token())
	require.NoError(t, err)
	isAsync, err := method.IsAsync()
	require.NoError(t, err)
	assert.True(t, isAsync)
	tok, err := method.KickoffMethod()
	require.NoError(t, err)
	assert.Equal(t, kickoff.Token(), tok)
	has, err := method.HasCatchHandlerILOffset()
	require.NoError(t, err)
	assert.True(t, has)
	off, err := method.CatchHandlerILOffset()
	require.NoError(t, err)
	assert.Equal(t, 0x0F, off)
	n, err := method.AsyncStepInfoCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	steps, err := method.AsyncStepInfo()
	require.NoError(t, err)
	assert.Equal(t, []pdb.AsyncStepInfo{
		{YieldOffset: 0x20, ResumeOffset: 0x28, ResumeMethod: moveNext.Token()},
		{YieldOffset: 0x40, ResumeOffset: 0x48, ResumeMethod: moveNext.Token()},
	}, steps)

	info, err := method.Info()
	require.NoError(t, err)
	require.NotNil(t, info.Async)
	assert.Equal(t, kickoff.Token(), info.Async.KickoffMethod)
	assert.Equal(t, 0x0F, info.Async.CatchHandlerOffset)

	method, err = r.Method(noHandler.Token())
	require.NoError(t, err)
	has, err = method.HasCatchHandlerILOffset()
	require.NoError(t, err)
	assert.False(t, has)
	_, err = method.CatchHandlerILOffset()
	assert.ErrorIs(t, err, pdb.ErrUnexpected)
	n, err = method.AsyncStepInfoCount()
	require.NoError(t, err)
	assert.Zero(t, n)

	method, err = r.Method(overflow.Token())
	require.NoError(t, err)
	_, err = method.IsAsync()
	assert.ErrorIs(t, err, pdb.ErrBadFormat)

	for _, tok := range []uint32{kickoff.Token(), iterator.Token()} {
		method, err = r.Method(tok)
		require.NoError(t, err)
		data, err := method.AsyncMethodData()
		require.NoError(t, err)
		assert.True(t, data.IsNone())
		isAsync, err = method.IsAsync()
		require.NoError(t, err)
		assert.False(t, isAsync)
		_, err = method.KickoffMethod()
		assert.ErrorIs(t, err, pdb.ErrUnexpected)
		_, err = method.AsyncStepInfo()
		assert.ErrorIs(t, err, pdb.ErrUnexpected)
	}
}

func TestEmbeddedReader(t *testing.T) {
	t.Parallel()
	b := pdbtest.New()
	d := b.AddDocument("/src/Money.cs", metadata.LanguageCSharp)
	m := b.AddMethod().SequencePoints(pdbtest.Point(d, 0, 3, 1, 2))
	decimalRef := pdbtest.TypeRefToken(0)
	coded, err := metadata.EncodeTypeDefOrRefOrSpec(decimalRef)
	require.NoError(t, err)
	sig := metadata.AppendCompressedInteger([]byte{0x11}, coded)
	sig = append(sig, 0x02, 0x39, 0x30, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	m.AddScope(0, 10).Constant("Price", sig)
	asm := pdbtest.Assembly{
		TypeRefs:    []pdbtest.TypeName{{Namespace: "System", Name: "Decimal"}},
		EmbeddedPDB: b.MustBuild(t),
	}.MustBuild(t)

	check := func(t *testing.T, r *pdb.Reader) {
		t.Helper()
		method, err := r.Method(m.Token())
		require.NoError(t, err)
		scope, err := method.ScopeFromOffset(1)
		require.NoError(t, err)
		constants, err := scope.Constants()
		require.NoError(t, err)
		require.Len(t, constants, 1)
		value, err := constants[0].Value()
		require.NoError(t, err)
		assert.Equal(t, pdb.Decimal{Lo: 12345, Scale: 2}, value)
		assert.Equal(t, "123.45", value.(pdb.Decimal).String())
	}

	r, err := pdb.NewEmbeddedReader(asm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	check(t, r)

	path := filepath.Join(t.TempDir(), "Money.dll")
	require.NoError(t, os.WriteFile(path, asm, 0o600))
	fromFile, err := pdb.OpenEmbedded(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fromFile.Close() })
	check(t, fromFile)

	standalone, err := pdb.NewReader(b.MustBuild(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = standalone.Close() })
	method, err := standalone.Method(m.Token())
	require.NoError(t, err)
	scope, err := method.ScopeFromOffset(1)
	require.NoError(t, err)
	constants, err := scope.Constants()
	require.NoError(t, err)
	_, err = constants[0].Value()
	assert.ErrorIs(t, err, pdb.ErrNotImplemented, "decimal constants need an importer")

	_, err = pdb.NewEmbeddedReader(pdbtest.Assembly{}.MustBuild(t))
	assert.Error(t, err)
}

func TestEmbeddedReader_CodeView(t *testing.T) {
	t.Parallel()
	id := uuid.MustParse("d4c3b2a1-1111-4222-8333-944455556666")
	b := pdbtest.New()
	b.SetID(id, 0xABCD1234)
	d := b.AddDocument("/src/Lib.cs", metadata.LanguageCSharp)
	b.AddMethod().SequencePoints(pdbtest.Point(d, 0, 1, 1, 2))
	image := b.MustBuild(t)

	matching := pdbtest.Assembly{
		EmbeddedPDB: image,
		CodeView:    &metadata.CodeViewInfo{GUID: id, Stamp: 0xABCD1234, Age: 1, Path: "Lib.pdb"},
	}.MustBuild(t)
	r, err := pdb.NewEmbeddedReader(matching)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	ok, err := r.MatchesModule(id, 0xABCD1234, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	for name, cv := range map[string]metadata.CodeViewInfo{
		"guid":  {GUID: uuid.New(), Stamp: 0xABCD1234, Age: 1},
		"stamp": {GUID: id, Stamp: 1, Age: 1},
		"age":   {GUID: id, Stamp: 0xABCD1234, Age: 2},
	} {
		asm := pdbtest.Assembly{EmbeddedPDB: image, CodeView: &cv}.MustBuild(t)
		_, err := pdb.NewEmbeddedReader(asm)
		assert.ErrorIs(t, err, pdb.ErrBadFormat, name)
	}
}
