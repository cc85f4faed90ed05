package pdb

import (
	"log/slog"
	"sort"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

// MethodLineExtent is the range of lines a method's visible sequence points
// cover in one document.
type MethodLineExtent struct {
	Method  metadata.MethodDebugInformationHandle
	MinLine int
	MaxLine int
}

func (e MethodLineExtent) contains(line int) bool {
	return e.MinLine <= line && line <= e.MaxLine
}

// methodsInDocument holds the extents of one document. byMethod is sorted by
// method handle. runs partitions the extents into sequences ordered by
// MinLine in which no two extents overlap.
type methodsInDocument struct {
	byMethod []MethodLineExtent
	runs     [][]MethodLineExtent
}

// MethodMap indexes, per document, the line extents of every method that has
// sequence points in it.
type MethodMap struct {
	docs    map[metadata.DocumentHandle]*methodsInDocument
	skipped int
}

type docExtent struct {
	doc metadata.DocumentHandle
	MethodLineExtent
}

func newMethodMap(md *metadata.Reader, logger *slog.Logger) *MethodMap {
	m := &MethodMap{docs: make(map[metadata.DocumentHandle]*methodsInDocument)}

	var raw []docExtent
	for row := 1; row <= md.MethodDebugInformationCount(); row++ {
		h := metadata.MethodDebugInformationHandle(row)
		points, err := md.SequencePoints(h)
		if err != nil {
			logger.Debug("skipping method with malformed sequence points",
				slog.Uint64("method", uint64(h)),
				slog.String("error", err.Error()))
			m.skipped++
			continue
		}
		raw = appendMethodExtents(raw, h, points)
	}

	grouped := make(map[metadata.DocumentHandle][]MethodLineExtent)
	for _, e := range raw {
		grouped[e.doc] = append(grouped[e.doc], e.MethodLineExtent)
	}
	for doc, extents := range grouped {
		m.docs[doc] = newMethodsInDocument(extents)
	}
	return m
}

// appendMethodExtents emits one extent per contiguous document run of the
// method's visible sequence points.
func appendMethodExtents(dst []docExtent, h metadata.MethodDebugInformationHandle, points []metadata.SequencePoint) []docExtent {
	var cur docExtent
	for _, sp := range points {
		if sp.IsHidden() {
			continue
		}
		if sp.Document != cur.doc {
			if !cur.doc.IsNil() {
				dst = append(dst, cur)
			}
			cur = docExtent{
				doc:              sp.Document,
				MethodLineExtent: MethodLineExtent{Method: h, MinLine: sp.StartLine, MaxLine: sp.EndLine},
			}
			continue
		}
		cur.MinLine = min(cur.MinLine, sp.StartLine)
		cur.MaxLine = max(cur.MaxLine, sp.EndLine)
	}
	if !cur.doc.IsNil() {
		dst = append(dst, cur)
	}
	return dst
}

func newMethodsInDocument(extents []MethodLineExtent) *methodsInDocument {
	sort.SliceStable(extents, func(i, j int) bool {
		return extents[i].Method < extents[j].Method
	})

	merged := extents[:0]
	for _, e := range extents {
		if n := len(merged); n > 0 && merged[n-1].Method == e.Method {
			last := &merged[n-1]
			last.MinLine = min(last.MinLine, e.MinLine)
			last.MaxLine = max(last.MaxLine, e.MaxLine)
			continue
		}
		merged = append(merged, e)
	}

	byLine := make([]MethodLineExtent, len(merged))
	copy(byLine, merged)
	sort.SliceStable(byLine, func(i, j int) bool {
		if byLine[i].MinLine != byLine[j].MinLine {
			return byLine[i].MinLine < byLine[j].MinLine
		}
		return byLine[i].MaxLine > byLine[j].MaxLine
	})

	return &methodsInDocument{
		byMethod: merged,
		runs:     partitionRuns(byLine),
	}
}

// partitionRuns places each extent, in MinLine order, into the first run
// whose last extent ends before it starts.
func partitionRuns(byLine []MethodLineExtent) [][]MethodLineExtent {
	var runs [][]MethodLineExtent
	for _, e := range byLine {
		placed := false
		for i, run := range runs {
			if run[len(run)-1].MaxLine < e.MinLine {
				runs[i] = append(run, e)
				placed = true
				break
			}
		}
		if !placed {
			runs = append(runs, []MethodLineExtent{e})
		}
	}
	return runs
}

// searchRun returns the extent of run containing line, or the index of the
// first extent starting after line.
func searchRun(run []MethodLineExtent, line int) (int, bool) {
	i := sort.Search(len(run), func(i int) bool { return run[i].MinLine > line })
	if i > 0 && run[i-1].contains(line) {
		return i - 1, true
	}
	return i, false
}

// MethodsContainingLine returns every method whose extent in doc contains
// line, at most one per run. The bool is false for an unknown document.
func (m *MethodMap) MethodsContainingLine(doc metadata.DocumentHandle, line int) ([]metadata.MethodDebugInformationHandle, bool) {
	d, ok := m.docs[doc]
	if !ok {
		return nil, false
	}
	var out []metadata.MethodDebugInformationHandle
	for _, run := range d.runs {
		if i, ok := searchRun(run, line); ok {
			out = append(out, run[i].Method)
		}
	}
	return out, true
}

// MethodExtents returns the extents of doc sorted by method handle.
func (m *MethodMap) MethodExtents(doc metadata.DocumentHandle) []MethodLineExtent {
	if d, ok := m.docs[doc]; ok {
		return d.byMethod
	}
	return nil
}

// TryGetMethodSourceExtent returns the merged line range of method in doc.
func (m *MethodMap) TryGetMethodSourceExtent(doc metadata.DocumentHandle, method metadata.MethodDebugInformationHandle) (minLine, maxLine int, ok bool) {
	d, found := m.docs[doc]
	if !found {
		return 0, 0, false
	}
	i := sort.Search(len(d.byMethod), func(i int) bool { return d.byMethod[i].Method >= method })
	if i == len(d.byMethod) || d.byMethod[i].Method != method {
		return 0, 0, false
	}
	return d.byMethod[i].MinLine, d.byMethod[i].MaxLine, true
}

// ContainingOrClosestFollowingMethodExtents returns, per run, the extent
// containing line or else the first extent starting after it.
func (m *MethodMap) ContainingOrClosestFollowingMethodExtents(doc metadata.DocumentHandle, line int) []MethodLineExtent {
	d, ok := m.docs[doc]
	if !ok {
		return nil
	}
	var out []MethodLineExtent
	for _, run := range d.runs {
		i, _ := searchRun(run, line)
		if i < len(run) {
			out = append(out, run[i])
		}
	}
	return out
}

// RunCount returns the number of non-overlapping runs for doc, which is the
// deepest nesting of method bodies in it.
func (m *MethodMap) RunCount(doc metadata.DocumentHandle) int {
	if d, ok := m.docs[doc]; ok {
		return len(d.runs)
	}
	return 0
}
