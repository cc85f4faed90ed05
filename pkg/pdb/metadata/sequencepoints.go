package metadata

import "fmt"

// HiddenLine is the line number of a hidden sequence point.
const HiddenLine = 0xFEEFEE

// Limits enforced on decoded sequence points.
const (
	maxLine   = 0x1FFFFFFF
	maxColumn = 0xFFFF
)

// SequencePoint maps an IL offset to a source range.
type SequencePoint struct {
	Document    DocumentHandle
	Offset      int
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
}

// IsHidden reports whether the point marks compiler generated code.
func (sp SequencePoint) IsHidden() bool {
	return sp.StartLine == HiddenLine
}

// SequencePoints decodes the sequence point blob of a method. It returns nil
// when the method has no sequence points.
func (r *Reader) SequencePoints(h MethodDebugInformationHandle) ([]SequencePoint, error) {
	info, err := r.MethodDebugInformation(h)
	if err != nil {
		return nil, err
	}
	if info.SequencePoints.IsNil() {
		return nil, nil
	}
	br, err := r.BlobReader(info.SequencePoints)
	if err != nil {
		return nil, err
	}
	points, err := decodeSequencePoints(br, info.Document)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sequence points of method %d: %w", h, err)
	}
	return points, nil
}

func decodeSequencePoints(br *BlobReader, document DocumentHandle) ([]SequencePoint, error) {
	// LocalSignature
	if _, err := br.ReadCompressedInteger(); err != nil {
		return nil, err
	}
	if document.IsNil() {
		initial, err := br.ReadCompressedInteger()
		if err != nil {
			return nil, err
		}
		document = DocumentHandle(initial)
	}

	var (
		points      []SequencePoint
		offset      int
		first       = true
		seenVisible bool
		prevLine    int
		prevColumn  int
	)
	for br.RemainingBytes() > 0 {
		delta, err := br.ReadCompressedInteger()
		if err != nil {
			return nil, err
		}
		if !first && delta == 0 {
			doc, err := br.ReadCompressedInteger()
			if err != nil {
				return nil, err
			}
			document = DocumentHandle(doc)
			continue
		}
		if first {
			offset = int(delta)
		} else {
			offset += int(delta)
		}
		first = false

		deltaLines, err := br.ReadCompressedInteger()
		if err != nil {
			return nil, err
		}
		var deltaColumns int
		if deltaLines == 0 {
			v, err := br.ReadCompressedInteger()
			if err != nil {
				return nil, err
			}
			deltaColumns = int(v)
		} else {
			v, err := br.ReadCompressedSignedInteger()
			if err != nil {
				return nil, err
			}
			deltaColumns = int(v)
		}

		if deltaLines == 0 && deltaColumns == 0 {
			points = append(points, SequencePoint{
				Document:  document,
				Offset:    offset,
				StartLine: HiddenLine,
				EndLine:   HiddenLine,
			})
			continue
		}

		var startLine, startColumn int
		if !seenVisible {
			l, err := br.ReadCompressedInteger()
			if err != nil {
				return nil, err
			}
			c, err := br.ReadCompressedInteger()
			if err != nil {
				return nil, err
			}
			startLine, startColumn = int(l), int(c)
		} else {
			l, err := br.ReadCompressedSignedInteger()
			if err != nil {
				return nil, err
			}
			c, err := br.ReadCompressedSignedInteger()
			if err != nil {
				return nil, err
			}
			startLine, startColumn = prevLine+int(l), prevColumn+int(c)
		}
		seenVisible = true
		prevLine, prevColumn = startLine, startColumn

		sp := SequencePoint{
			Document:    document,
			Offset:      offset,
			StartLine:   startLine,
			StartColumn: startColumn,
			EndLine:     startLine + int(deltaLines),
			EndColumn:   startColumn + deltaColumns,
		}
		if err := sp.validate(); err != nil {
			return nil, err
		}
		points = append(points, sp)
	}
	return points, nil
}

func (sp SequencePoint) validate() error {
	switch {
	case sp.StartLine < 0 || sp.StartLine > maxLine || sp.EndLine > maxLine:
		return fmt.Errorf("%w: sequence point line %d-%d out of range", ErrBadFormat, sp.StartLine, sp.EndLine)
	case sp.StartColumn < 0 || sp.StartColumn > maxColumn || sp.EndColumn < 0 || sp.EndColumn > maxColumn:
		return fmt.Errorf("%w: sequence point column %d-%d out of range", ErrBadFormat, sp.StartColumn, sp.EndColumn)
	case sp.Document.IsNil():
		return fmt.Errorf("%w: sequence point without document", ErrBadFormat)
	}
	return nil
}
