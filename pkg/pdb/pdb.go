package pdb

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-freelru"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

var tracer = otel.Tracer("github.com/jtang613/goportablepdb/pkg/pdb")

// MethodVersion is the only method and document version a Portable PDB has.
const MethodVersion = 1

// DefaultConstantCacheSize is the number of decoded constants kept per reader.
const DefaultConstantCacheSize = 4096

type options struct {
	logger            *slog.Logger
	importer          MetadataImporter
	constantCacheSize uint32
}

// Option configures a Reader.
type Option func(*options)

// WithLogger sets the logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithImporter sets the importer used to resolve the type of decimal,
// DateTime and enum constants.
func WithImporter(importer MetadataImporter) Option {
	return func(o *options) {
		o.importer = importer
	}
}

// WithConstantCacheSize bounds the number of cached constant values.
func WithConstantCacheSize(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.constantCacheSize = n
		}
	}
}

// Reader answers symbol queries over a Portable PDB image.
//
// Indexes are built on first use, at most once; concurrent first callers
// wait for the build. All calls after Close fail with ErrDisposed. Close
// must not race with other calls.
type Reader struct {
	md       *metadata.Reader
	logger   *slog.Logger
	importer MetadataImporter

	release   func() error
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool

	docMapOnce    sync.Once
	docIndex      *DocumentMap
	methodMapOnce sync.Once
	methodIndex   *MethodMap
	vbOnce        sync.Once
	vb            bool

	constants *freelru.SyncedLRU[metadata.LocalConstantHandle, constantValue]

	mu      sync.Mutex
	methods map[metadata.MethodDefinitionHandle]*Method
}

// NewReader creates a reader over an in-memory Portable PDB image. The
// image must not be modified while the reader is in use.
func NewReader(data []byte, opts ...Option) (*Reader, error) {
	return newReader(data, nil, "memory", opts)
}

// Open maps the Portable PDB at path and creates a reader over it. Close
// releases the mapping.
func Open(ctx context.Context, path string, opts ...Option) (*Reader, error) {
	_, span := tracer.Start(ctx, "pdb.Open", trace.WithAttributes(
		attribute.String("pdb.path", path),
	))
	defer span.End()

	data, release, err := mapFile(path)
	if err != nil {
		err = fmt.Errorf("failed to open %s: %w", path, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("pdb.size", len(data)))

	r, err := newReader(data, release, "file", opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return r, nil
}

// OpenEmbedded opens the Portable PDB embedded in the assembly at path. The
// assembly also serves as the metadata importer unless WithImporter is given.
func OpenEmbedded(ctx context.Context, assemblyPath string, opts ...Option) (*Reader, error) {
	_, span := tracer.Start(ctx, "pdb.OpenEmbedded", trace.WithAttributes(
		attribute.String("pdb.assembly", assemblyPath),
	))
	defer span.End()

	data, release, err := mapFile(assemblyPath)
	if err != nil {
		err = fmt.Errorf("failed to open %s: %w", assemblyPath, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r, err := newEmbeddedReader(data, release, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return r, nil
}

// NewEmbeddedReader creates a reader over the Portable PDB embedded in an
// in-memory assembly image.
func NewEmbeddedReader(assembly []byte, opts ...Option) (*Reader, error) {
	return newEmbeddedReader(assembly, nil, opts)
}

func newEmbeddedReader(assembly []byte, release func() error, opts []Option) (*Reader, error) {
	asm, err := metadata.OpenAssembly(assembly)
	var image []byte
	if err == nil {
		image, err = asm.EmbeddedPortablePDB()
	}
	if err != nil {
		if release != nil {
			_ = release()
		}
		return nil, fmt.Errorf("failed to read embedded PDB: %w", err)
	}

	opts = append([]Option{WithImporter(asm)}, opts...)
	r, err := newReader(image, release, "embedded", opts)
	if err != nil {
		return nil, err
	}
	if err := r.checkCodeView(asm); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// checkCodeView verifies that the embedded PDB is the one named by the
// assembly's CodeView entries. An assembly without one passes.
func (r *Reader) checkCodeView(asm *metadata.Assembly) error {
	infos, err := asm.CodeView()
	if err != nil {
		return fmt.Errorf("failed to read CodeView entry: %w", err)
	}
	if len(infos) == 0 {
		return nil
	}
	for _, cv := range infos {
		ok, err := r.MatchesModule(cv.GUID, cv.Stamp, cv.Age)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	r.logger.Warn("embedded PDB id differs from CodeView entry",
		slog.String("codeview_guid", infos[0].GUID.String()),
		slog.Uint64("codeview_stamp", uint64(infos[0].Stamp)))
	return fmt.Errorf("%w: embedded PDB does not match the assembly's CodeView entry", ErrBadFormat)
}

// newReader takes ownership of release: it runs on Close, or right away
// when construction fails.
func newReader(data []byte, release func() error, source string, opts []Option) (*Reader, error) {
	o := options{
		logger:            slog.New(discardHandler),
		constantCacheSize: DefaultConstantCacheSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	fail := func(err error) (*Reader, error) {
		if release != nil {
			_ = release()
		}
		return nil, err
	}

	md, err := metadata.NewReader(data)
	if err != nil {
		return fail(fmt.Errorf("failed to read metadata: %w", err))
	}
	if !md.IsPortablePDB() {
		return fail(fmt.Errorf("%w: image has no #Pdb stream", ErrBadFormat))
	}
	cache, err := freelru.NewSynced[metadata.LocalConstantHandle, constantValue](o.constantCacheSize, hashConstantHandle)
	if err != nil {
		return fail(fmt.Errorf("failed to create constant cache: %w", err))
	}

	r := &Reader{
		md:        md,
		logger:    o.logger,
		importer:  o.importer,
		release:   release,
		constants: cache,
		methods:   make(map[metadata.MethodDefinitionHandle]*Method),
	}
	readersOpenedTotal.WithLabelValues(source).Inc()
	r.logger.Debug("opened symbol reader",
		slog.String("source", source),
		slog.Int("size", len(data)),
		slog.Int("documents", md.DocumentCount()),
		slog.Int("methods", md.MethodDebugInformationCount()))
	return r, nil
}

// Close releases the image. It is safe to call more than once; only the
// first call releases anything.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if r.release != nil {
			r.closeErr = r.release()
		}
		r.logger.Debug("closed symbol reader")
	})
	return r.closeErr
}

func (r *Reader) checkOpen() error {
	if r.closed.Load() {
		return ErrDisposed
	}
	return nil
}

func (r *Reader) notImplemented() error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return ErrNotImplemented
}

// Warm builds the document and method indexes ahead of the first query.
func (r *Reader) Warm(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "pdb.Reader.Warm")
	defer span.End()
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.docMapOnce.Do(func() { r.docIndex = r.buildDocumentMap(ctx) })
	if err := ctx.Err(); err != nil {
		return err
	}
	r.methodMapOnce.Do(func() { r.methodIndex = r.buildMethodMap(ctx) })
	r.isVisualBasic()
	return nil
}

func (r *Reader) documentMap() *DocumentMap {
	r.docMapOnce.Do(func() { r.docIndex = r.buildDocumentMap(context.Background()) })
	return r.docIndex
}

func (r *Reader) methodMap() *MethodMap {
	r.methodMapOnce.Do(func() { r.methodIndex = r.buildMethodMap(context.Background()) })
	return r.methodIndex
}

func (r *Reader) buildDocumentMap(ctx context.Context) *DocumentMap {
	_, span := tracer.Start(ctx, "pdb.Reader.buildDocumentMap")
	defer span.End()

	start := time.Now()
	m := newDocumentMap(r.md, r.logger)
	recordIndexBuild("documents", start, m.skipped)
	span.SetAttributes(
		attribute.Int("pdb.documents", m.Len()),
		attribute.Int("pdb.skipped", m.skipped),
	)
	r.logger.Debug("built document map",
		slog.Int("documents", m.Len()),
		slog.Int("skipped", m.skipped),
		slog.Duration("elapsed", time.Since(start)))
	return m
}

func (r *Reader) buildMethodMap(ctx context.Context) *MethodMap {
	_, span := tracer.Start(ctx, "pdb.Reader.buildMethodMap")
	defer span.End()

	start := time.Now()
	m := newMethodMap(r.md, r.logger)
	recordIndexBuild("methods", start, m.skipped)
	span.SetAttributes(
		attribute.Int("pdb.documents", len(m.docs)),
		attribute.Int("pdb.skipped", m.skipped),
	)
	r.logger.Debug("built method map",
		slog.Int("documents", len(m.docs)),
		slog.Int("skipped", m.skipped),
		slog.Duration("elapsed", time.Since(start)))
	return m
}

// isVisualBasic reports whether the module carries a default namespace,
// which only the VB compiler emits.
func (r *Reader) isVisualBasic() bool {
	r.vbOnce.Do(func() {
		_, ok, err := r.md.FindCustomDebugInformation(metadata.ModuleParent(), metadata.KindDefaultNamespace)
		r.vb = err == nil && ok
	})
	return r.vb
}

// IsVisualBasic reports whether scopes follow Visual Basic semantics, where
// nested scope end offsets are inclusive.
func (r *Reader) IsVisualBasic() (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	return r.isVisualBasic(), nil
}

func (r *Reader) document(h metadata.DocumentHandle) *Document {
	return &Document{reader: r, handle: h}
}

func (r *Reader) ownDocument(doc *Document) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if doc == nil || doc.reader != r {
		return fmt.Errorf("document does not belong to this reader: %w", ErrInvalidArgument)
	}
	return nil
}

// Document finds a document by path. Only the file name has to match when
// a single document carries it.
func (r *Reader) Document(url string) (*Document, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	h, ok := r.documentMap().TryGetDocument(url)
	if !ok {
		return nil, fmt.Errorf("document %q: %w", url, ErrNotFound)
	}
	return r.document(h), nil
}

// DocumentCount returns the number of rows in the Document table.
func (r *Reader) DocumentCount() (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	return r.md.DocumentCount(), nil
}

// Documents returns every document in handle order.
func (r *Reader) Documents() ([]*Document, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	handles := r.md.Documents()
	out := make([]*Document, len(handles))
	for i, h := range handles {
		out[i] = r.document(h)
	}
	return out, nil
}

// Method returns the method with the given MethodDef token. Methods without
// sequence points are not found.
func (r *Reader) Method(token uint32) (*Method, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	h, err := metadata.MethodHandleFromToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return r.method(h)
}

// MethodByVersion is Method for a given edit version, which must be 1.
func (r *Reader) MethodByVersion(token uint32, version int) (*Method, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if version != MethodVersion {
		return nil, fmt.Errorf("method version %d: %w", version, ErrInvalidArgument)
	}
	return r.Method(token)
}

func (r *Reader) method(h metadata.MethodDefinitionHandle) (*Method, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.methods[h]; ok {
		return m, nil
	}
	if int(h) > r.md.MethodDebugInformationCount() {
		return nil, fmt.Errorf("method 0x%08x: %w", h.Token(), ErrNotFound)
	}
	info, err := r.md.MethodDebugInformation(h.ToDebugInformation())
	if err != nil {
		return nil, err
	}
	if info.SequencePoints.IsNil() {
		return nil, fmt.Errorf("method 0x%08x has no sequence points: %w", h.Token(), ErrNotFound)
	}
	m := &Method{reader: r, handle: h}
	r.methods[h] = m
	return m, nil
}

// Methods returns every method that has sequence points, in token order.
func (r *Reader) Methods() ([]*Method, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var out []*Method
	for row := 1; row <= r.md.MethodDebugInformationCount(); row++ {
		m, err := r.method(metadata.MethodDefinitionHandle(row))
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// MethodCount returns the number of methods that have sequence points.
func (r *Reader) MethodCount() (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	for row := 1; row <= r.md.MethodDebugInformationCount(); row++ {
		info, err := r.md.MethodDebugInformation(metadata.MethodDebugInformationHandle(row))
		if err == nil && !info.SequencePoints.IsNil() {
			n++
		}
	}
	return n, nil
}

func (r *Reader) containingMethods(doc *Document, line int) ([]metadata.MethodDebugInformationHandle, error) {
	if err := r.ownDocument(doc); err != nil {
		return nil, err
	}
	handles, _ := r.methodMap().MethodsContainingLine(doc.handle, line)
	slices.Sort(handles)
	return handles, nil
}

// MethodFromDocumentPosition returns the method containing line in doc.
// When several do, as with lambdas, the one with the smallest token wins.
// The column is ignored.
func (r *Reader) MethodFromDocumentPosition(doc *Document, line, column int) (*Method, error) {
	handles, err := r.containingMethods(doc, line)
	if err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, fmt.Errorf("no method at line %d: %w", line, ErrNotFound)
	}
	return r.method(handles[0].ToDefinition())
}

// MethodsFromDocumentPosition returns every method containing line in doc,
// in token order. The column is ignored.
func (r *Reader) MethodsFromDocumentPosition(doc *Document, line, column int) ([]*Method, error) {
	handles, err := r.containingMethods(doc, line)
	if err != nil {
		return nil, err
	}
	return r.methodsFor(handles)
}

// MethodsInDocumentCount returns the number of methods with sequence points
// in doc.
func (r *Reader) MethodsInDocumentCount(doc *Document) (int, error) {
	if err := r.ownDocument(doc); err != nil {
		return 0, err
	}
	return len(r.methodMap().MethodExtents(doc.handle)), nil
}

// MethodsInDocument returns the methods with sequence points in doc, in
// token order.
func (r *Reader) MethodsInDocument(doc *Document) ([]*Method, error) {
	if err := r.ownDocument(doc); err != nil {
		return nil, err
	}
	extents := r.methodMap().MethodExtents(doc.handle)
	handles := make([]metadata.MethodDebugInformationHandle, len(extents))
	for i, e := range extents {
		handles[i] = e.Method
	}
	return r.methodsFor(handles)
}

func (r *Reader) methodsFor(handles []metadata.MethodDebugInformationHandle) ([]*Method, error) {
	out := make([]*Method, 0, len(handles))
	for _, h := range handles {
		m, err := r.method(h.ToDefinition())
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// MethodVersion returns the edit version of m, always 1.
func (r *Reader) MethodVersion(m *Method) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	if m == nil || m.reader != r {
		return 0, fmt.Errorf("method does not belong to this reader: %w", ErrInvalidArgument)
	}
	return MethodVersion, nil
}

// DocumentVersion returns the edit version of doc, always 1 and current.
func (r *Reader) DocumentVersion(doc *Document) (version int, isCurrent bool, err error) {
	if err := r.ownDocument(doc); err != nil {
		return 0, false, err
	}
	return MethodVersion, true, nil
}

// UserEntryPoint returns the MethodDef token of the entry point.
func (r *Reader) UserEntryPoint() (uint32, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	ep := r.md.PDBStream().EntryPoint
	if metadata.TokenRow(ep) == 0 {
		return 0, fmt.Errorf("entry point: %w", ErrNotFound)
	}
	return ep, nil
}

// PDBID returns the PDB id: the GUID and stamp matched against the
// assembly's CodeView entry.
func (r *Reader) PDBID() (uuid.UUID, uint32, error) {
	if err := r.checkOpen(); err != nil {
		return uuid.Nil, 0, err
	}
	s := r.md.PDBStream()
	return s.GUID(), s.Stamp(), nil
}

// MatchesModule reports whether the PDB belongs to the module with the
// given CodeView GUID, stamp and age. Portable PDBs always have age 1.
func (r *Reader) MatchesModule(guid uuid.UUID, stamp, age uint32) (bool, error) {
	id, st, err := r.PDBID()
	if err != nil {
		return false, err
	}
	return age == 1 && id == guid && st == stamp, nil
}

// PortableDebugMetadata returns the raw image. The slice is only valid
// until Close.
func (r *Reader) PortableDebugMetadata() ([]byte, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return r.md.Bytes(), nil
}

// Namespaces is not supported.
func (r *Reader) Namespaces() ([]string, error) {
	return nil, r.notImplemented()
}

// GlobalVariables is not supported.
func (r *Reader) GlobalVariables() ([]*Variable, error) {
	return nil, r.notImplemented()
}

// Variables is not supported.
func (r *Reader) Variables(parent uint32) ([]*Variable, error) {
	return nil, r.notImplemented()
}

// SymAttribute is not supported.
func (r *Reader) SymAttribute(parent uint32, name string) ([]byte, error) {
	return nil, r.notImplemented()
}

// SourceServerData is not supported.
func (r *Reader) SourceServerData() ([]byte, error) {
	return nil, r.notImplemented()
}

// ReplaceSymbolStore is not supported.
func (r *Reader) ReplaceSymbolStore(path string) error {
	return r.notImplemented()
}

// UpdateSymbolStore is not supported.
func (r *Reader) UpdateSymbolStore(path string) error {
	return r.notImplemented()
}
