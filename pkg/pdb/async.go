package pdb

import (
	"fmt"
	"math"

	"github.com/jtang613/goportablepdb/pkg/pdb/metadata"
)

// AsyncStepInfo maps a yield point of an async state machine to the offset
// and method where execution resumes.
type AsyncStepInfo struct {
	YieldOffset  int    `json:"yield_offset"`
	ResumeOffset int    `json:"resume_offset"`
	ResumeMethod uint32 `json:"resume_method"`
}

// AsyncMethodData describes the stepping information of an async
// MoveNext method. The zero value means the method is not async.
type AsyncMethodData struct {
	kickoff            metadata.MethodDefinitionHandle
	catchHandlerOffset int
	steps              []AsyncStepInfo
}

// IsNone reports whether the method has no async stepping information.
func (d AsyncMethodData) IsNone() bool {
	return d.kickoff.IsNil()
}

// KickoffMethod returns the token of the user method that was rewritten into
// the state machine.
func (d AsyncMethodData) KickoffMethod() uint32 {
	return d.kickoff.Token()
}

// CatchHandlerOffset returns the IL offset of the generated catch handler,
// or -1 when there is none.
func (d AsyncMethodData) CatchHandlerOffset() int {
	return d.catchHandlerOffset
}

// Steps returns the yield and resume points.
func (d AsyncMethodData) Steps() []AsyncStepInfo {
	return d.steps
}

func readAsyncMethodData(md *metadata.Reader, method metadata.MethodDefinitionHandle) (AsyncMethodData, error) {
	kickoff := md.StateMachineKickoffMethod(method)
	if kickoff.IsNil() {
		return AsyncMethodData{}, nil
	}
	value, ok, err := md.FindCustomDebugInformation(metadata.MethodParent(method), metadata.KindAsyncMethodSteppingInformation)
	if err != nil || !ok {
		return AsyncMethodData{}, err
	}
	br, err := md.BlobReader(value)
	if err != nil {
		return AsyncMethodData{}, err
	}

	catchHandler, err := br.ReadUint32()
	if err != nil {
		return AsyncMethodData{}, err
	}
	if catchHandler > math.MaxInt32+1 {
		return AsyncMethodData{}, fmt.Errorf("%w: catch handler offset %#x out of range", metadata.ErrBadFormat, catchHandler)
	}

	data := AsyncMethodData{
		kickoff:            kickoff,
		catchHandlerOffset: int(catchHandler) - 1,
	}
	for br.RemainingBytes() > 0 {
		yield, err := readOffset(br)
		if err != nil {
			return AsyncMethodData{}, err
		}
		resume, err := readOffset(br)
		if err != nil {
			return AsyncMethodData{}, err
		}
		row, err := br.ReadCompressedInteger()
		if err != nil {
			return AsyncMethodData{}, err
		}
		data.steps = append(data.steps, AsyncStepInfo{
			YieldOffset:  yield,
			ResumeOffset: resume,
			ResumeMethod: metadata.MakeToken(metadata.TableMethodDef, row),
		})
	}
	return data, nil
}

func readOffset(br *metadata.BlobReader) (int, error) {
	v, err := br.ReadUint32()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: IL offset %#x out of range", metadata.ErrBadFormat, v)
	}
	return int(v), nil
}
