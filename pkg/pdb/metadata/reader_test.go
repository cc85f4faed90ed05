package metadata_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/goportablepdb/internal/pdbtest"
	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

func openImage(t *testing.T, b *pdbtest.Builder) *metadata.Reader {
	t.Helper()
	md, err := metadata.NewReader(b.MustBuild(t))
	require.NoError(t, err)
	return md
}

func TestNewReader_Root(t *testing.T) {
	t.Parallel()
	b := pdbtest.New()
	id := uuid.MustParse("a1b2c3d4-0102-0304-0506-0708090a0b0c")
	b.SetID(id, 0xCAFEBABE)
	m := b.AddMethod()
	b.SetEntryPoint(m)
	md := openImage(t, b)

	assert.Equal(t, pdbtest.DefaultPDBVersion, md.Version())
	require.True(t, md.IsPortablePDB())
	pdb := md.PDBStream()
	assert.Equal(t, id, pdb.GUID())
	assert.Equal(t, uint32(0xCAFEBABE), pdb.Stamp())
	assert.Equal(t, uint32(0x06000001), pdb.EntryPoint)
	assert.Equal(t, uint32(1), pdb.TypeSystemTableRows[metadata.TableMethodDef])

	var names []string
	for _, s := range md.Streams() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"#Pdb", "#~", "#Strings", "#US", "#GUID", "#Blob"}, names)
}

func TestNewReader_BadSignature(t *testing.T) {
	t.Parallel()
	data := pdbtest.New().MustBuild(t)
	data[0] = 'X'
	_, err := metadata.NewReader(data)
	require.ErrorIs(t, err, metadata.ErrBadFormat)

	_, err = metadata.NewReader(data[:8])
	require.ErrorIs(t, err, metadata.ErrBadFormat)
}

func TestNewReader_WideIndexes(t *testing.T) {
	t.Parallel()
	b := pdbtest.New()
	// The assembly's MethodDef rows widen every column that can point at a
	// method, even though this image holds no MethodDef table.
	b.SetTypeSystemRows(metadata.TableMethodDef, 70000)
	hash := bytes.Repeat([]byte{0xAB}, 70000)
	d := b.AddDocumentWithHash("/src/Big.cs", metadata.LanguageCSharp, metadata.HashAlgorithmSHA256, hash)
	longName := strings.Repeat("v", 70000)
	m := b.AddMethod().SequencePoints(pdbtest.Point(d, 0, 7, 1, 9))
	m.AddScope(0, 12).Local(longName, 3, 0).Local("short", 4, 0)
	moveNext := b.AddMethod().
		StateMachineRow(69999).
		AsyncStepping(pdbtest.AsyncSteppingBlob(0))
	md := openImage(t, b)

	assert.Equal(t, uint32(70000), md.PDBStream().TypeSystemTableRows[metadata.TableMethodDef])
	assert.Equal(t, metadata.MethodDefinitionHandle(69999), md.StateMachineKickoffMethod(moveNext.Handle()))

	doc, err := md.Document(d)
	require.NoError(t, err)
	gotHash, err := md.Blob(doc.Hash)
	require.NoError(t, err)
	assert.Equal(t, hash, gotHash)
	lang, err := md.GUID(doc.Language)
	require.NoError(t, err)
	assert.Equal(t, metadata.LanguageCSharp, lang)

	points, err := md.SequencePoints(m.Handle().ToDebugInformation())
	require.NoError(t, err)
	assert.Equal(t, []metadata.SequencePoint{{Document: d, StartLine: 7, StartColumn: 1, EndLine: 7, EndColumn: 9}}, points)

	scopes := md.LocalScopes(m.Handle())
	require.Len(t, scopes, 1)
	scope, err := md.LocalScope(scopes[0])
	require.NoError(t, err)
	assert.Equal(t, m.Handle(), scope.Method)
	assert.Equal(t, uint32(12), scope.EndOffset())
	vars, err := md.LocalScopeVariables(scopes[0])
	require.NoError(t, err)
	require.Len(t, vars, 2)
	var names []string
	for _, h := range vars {
		v, err := md.LocalVariable(h)
		require.NoError(t, err)
		name, err := md.String(v.Name)
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Equal(t, []string{longName, "short"}, names)

	_, ok, err := md.FindCustomDebugInformation(metadata.MethodParent(moveNext.Handle()), metadata.KindAsyncMethodSteppingInformation)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewReader_UnsortedTables(t *testing.T) {
	t.Parallel()
	b := pdbtest.New()
	b.AddMethod().AddScope(0, 4)
	b.MarkUnsorted(metadata.TableLocalScope)
	_, err := metadata.NewReader(b.MustBuild(t))
	require.ErrorIs(t, err, metadata.ErrBadFormat)

	b = pdbtest.New()
	b.AddMethod().StateMachine(b.AddMethod())
	b.MarkUnsorted(metadata.TableStateMachineMethod)
	_, err = metadata.NewReader(b.MustBuild(t))
	require.ErrorIs(t, err, metadata.ErrBadFormat)

	// Only tables with rows need the sorted bit.
	b = pdbtest.New()
	b.AddMethod()
	b.MarkUnsorted(metadata.TableLocalScope)
	md := openImage(t, b)
	assert.False(t, md.IsSorted(metadata.TableLocalScope))
	assert.True(t, md.IsSorted(metadata.TableMethodDebugInformation))
}

func TestAssembly_CodeView(t *testing.T) {
	t.Parallel()
	want := metadata.CodeViewInfo{
		GUID:  uuid.MustParse("6a1e3c55-9d2b-4f7a-8e0c-1b2d3e4f5a6b"),
		Stamp: 0x5EED,
		Age:   1,
		Path:  "/obj/App.pdb",
	}
	asm, err := metadata.OpenAssembly(pdbtest.Assembly{CodeView: &want}.MustBuild(t))
	require.NoError(t, err)
	infos, err := asm.CodeView()
	require.NoError(t, err)
	assert.Equal(t, []metadata.CodeViewInfo{want}, infos)

	_, err = asm.EmbeddedPortablePDB()
	require.ErrorIs(t, err, metadata.ErrNoEmbeddedPDB)
}

func TestDocumentName_RoundTrip(t *testing.T) {
	t.Parallel()
	names := []string{
		"/src/app/Program.cs",
		`C:\src\app\Program.cs`,
		"Program.cs",
		"/a//b/",
	}
	b := pdbtest.New()
	for _, n := range names {
		b.AddDocument(n, metadata.LanguageCSharp)
	}
	md := openImage(t, b)
	require.Equal(t, len(names), md.DocumentCount())

	for i, want := range names {
		h := metadata.DocumentHandle(i + 1)
		got, err := md.DocumentFullName(h)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	file, err := md.DocumentFileName(2)
	require.NoError(t, err)
	assert.Equal(t, "Program.cs", file)

	doc, err := md.Document(1)
	require.NoError(t, err)
	lang, err := md.GUID(doc.Language)
	require.NoError(t, err)
	assert.Equal(t, metadata.LanguageCSharp, lang)
}

func TestDocumentFileName_Rejects(t *testing.T) {
	t.Parallel()
	b := pdbtest.New()
	nilName := b.AddDocumentWithNilName()
	withNUL := b.AddDocument("/src/bad\x00name.cs", uuid.Nil)
	md := openImage(t, b)

	_, err := md.DocumentFileName(nilName)
	require.ErrorIs(t, err, metadata.ErrBadFormat)
	_, err = md.DocumentFileName(withNUL)
	require.ErrorIs(t, err, metadata.ErrBadFormat)
	_, err = md.Document(99)
	require.ErrorIs(t, err, metadata.ErrBadFormat)
}

func TestFileName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a.cs", metadata.FileName("/x/y/a.cs"))
	assert.Equal(t, "a.cs", metadata.FileName(`x\y\a.cs`))
	assert.Equal(t, "a.cs", metadata.FileName("C:a.cs"))
	assert.Equal(t, "a.cs", metadata.FileName("a.cs"))
	assert.Equal(t, "", metadata.FileName("/x/"))
}

func TestSequencePoints_Decode(t *testing.T) {
	t.Parallel()
	b := pdbtest.New()
	d1 := b.AddDocument("/src/A.cs", metadata.LanguageCSharp)
	d2 := b.AddDocument("/src/B.cs", metadata.LanguageCSharp)
	single := b.AddMethod().SequencePoints(
		pdbtest.Point(d1, 0, 10, 5, 20),
		pdbtest.HiddenPoint(d1, 3),
		pdbtest.SequencePoint{Document: d1, Offset: 7, StartLine: 12, StartColumn: 9, EndLine: 14, EndColumn: 2},
		pdbtest.Point(d1, 0x200, 8, 1, 30),
	)
	multi := b.AddMethod().SequencePoints(
		pdbtest.Point(d1, 0, 3, 1, 10),
		pdbtest.Point(d2, 4, 40, 1, 10),
		pdbtest.HiddenPoint(d2, 6),
		pdbtest.Point(d1, 9, 4, 1, 10),
	)
	empty := b.AddMethod()
	md := openImage(t, b)

	points, err := md.SequencePoints(single.Handle().ToDebugInformation())
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.Equal(t, metadata.SequencePoint{Document: d1, Offset: 0, StartLine: 10, StartColumn: 5, EndLine: 10, EndColumn: 20}, points[0])
	assert.True(t, points[1].IsHidden())
	assert.Equal(t, metadata.HiddenLine, points[1].EndLine)
	assert.Equal(t, 3, points[1].Offset)
	assert.Equal(t, metadata.SequencePoint{Document: d1, Offset: 7, StartLine: 12, StartColumn: 9, EndLine: 14, EndColumn: 2}, points[2])
	assert.Equal(t, 0x200, points[3].Offset)
	assert.Equal(t, 8, points[3].StartLine)

	info, err := md.MethodDebugInformation(multi.Handle().ToDebugInformation())
	require.NoError(t, err)
	assert.True(t, info.Document.IsNil(), "multi-document methods store the initial document in the blob")

	points, err = md.SequencePoints(multi.Handle().ToDebugInformation())
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.Equal(t, []metadata.DocumentHandle{d1, d2, d2, d1},
		[]metadata.DocumentHandle{points[0].Document, points[1].Document, points[2].Document, points[3].Document})
	assert.Equal(t, 40, points[1].StartLine)
	assert.Equal(t, 4, points[3].StartLine)

	points, err = md.SequencePoints(empty.Handle().ToDebugInformation())
	require.NoError(t, err)
	assert.Nil(t, points)
}

func TestLocalScopes_Nesting(t *testing.T) {
	t.Parallel()
	b := pdbtest.New()
	other := b.AddMethod()
	other.AddScope(0, 4)
	m := b.AddMethod()
	// Added out of order; the table is sorted on build.
	m.AddScope(10, 5).Local("inner", 2, 0)
	m.AddScope(0, 30).Local("x", 0, 0).Local("y", 1, 0).Constant("K", []byte{0x08, 1, 0, 0, 0})
	m.AddScope(2, 20)
	m.AddScope(22, 6).Constant("Z", []byte{0x08, 2, 0, 0, 0})
	md := openImage(t, b)

	scopes := md.LocalScopes(m.Handle())
	require.Len(t, scopes, 4)
	root, err := md.LocalScope(scopes[0])
	require.NoError(t, err)
	assert.Equal(t, uint32(0), root.StartOffset)
	assert.Equal(t, uint32(30), root.EndOffset())

	children, err := md.LocalScopeChildren(scopes[0])
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, scopes[1], children[0])
	assert.Equal(t, scopes[3], children[1])

	grandChildren, err := md.LocalScopeChildren(children[0])
	require.NoError(t, err)
	assert.Equal(t, []metadata.LocalScopeHandle{scopes[2]}, grandChildren)

	leaf, err := md.LocalScopeChildren(scopes[2])
	require.NoError(t, err)
	assert.Empty(t, leaf)

	vars, err := md.LocalScopeVariables(scopes[0])
	require.NoError(t, err)
	require.Len(t, vars, 2)
	v, err := md.LocalVariable(vars[1])
	require.NoError(t, err)
	name, err := md.String(v.Name)
	require.NoError(t, err)
	assert.Equal(t, "y", name)
	assert.Equal(t, uint16(1), v.Index)

	consts, err := md.LocalScopeConstants(scopes[3])
	require.NoError(t, err)
	require.Len(t, consts, 1)
	c, err := md.LocalConstant(consts[0])
	require.NoError(t, err)
	sig, err := md.Blob(c.Signature)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 2, 0, 0, 0}, sig)

	assert.Empty(t, md.LocalScopes(metadata.MethodDefinitionHandle(3)))
}

func TestCustomDebugInformation_Lookup(t *testing.T) {
	t.Parallel()
	b := pdbtest.New()
	kickoff := b.AddMethod()
	moveNext := b.AddMethod().
		StateMachine(kickoff).
		AsyncStepping(pdbtest.AsyncSteppingBlob(0))
	b.SetVisualBasic("My.Namespace")
	md := openImage(t, b)

	assert.Equal(t, kickoff.Handle(), md.StateMachineKickoffMethod(moveNext.Handle()))
	assert.True(t, md.StateMachineKickoffMethod(kickoff.Handle()).IsNil())

	value, ok, err := md.FindCustomDebugInformation(metadata.ModuleParent(), metadata.KindDefaultNamespace)
	require.NoError(t, err)
	require.True(t, ok)
	blob, err := md.Blob(value)
	require.NoError(t, err)
	assert.Equal(t, "My.Namespace", string(blob))

	_, ok, err = md.FindCustomDebugInformation(metadata.MethodParent(moveNext.Handle()), metadata.KindAsyncMethodSteppingInformation)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = md.FindCustomDebugInformation(metadata.MethodParent(kickoff.Handle()), metadata.KindAsyncMethodSteppingInformation)
	require.NoError(t, err)
	assert.False(t, ok)

	table, ok := metadata.ModuleParent().Table()
	require.True(t, ok)
	assert.Equal(t, metadata.TableModule, table)
	assert.Equal(t, uint32(1), metadata.ModuleParent().Row())
}

func TestMethodHandleFromToken(t *testing.T) {
	t.Parallel()
	h, err := metadata.MethodHandleFromToken(0x06000010)
	require.NoError(t, err)
	assert.Equal(t, metadata.MethodDefinitionHandle(0x10), h)
	assert.Equal(t, uint32(0x06000010), h.Token())

	_, err = metadata.MethodHandleFromToken(0x02000001)
	require.Error(t, err)
	_, err = metadata.MethodHandleFromToken(0x06000000)
	require.Error(t, err)
}

func TestGUIDBytes_MixedEndian(t *testing.T) {
	t.Parallel()
	u := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	raw := metadata.GUIDBytes(u)
	assert.Equal(t, []byte{0x33, 0x22, 0x11, 0x00, 0x55, 0x44, 0x77, 0x66, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, raw)
	assert.Equal(t, u, metadata.GUIDFromBytes(raw))
}
