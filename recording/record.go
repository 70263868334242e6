// Package recording stores the traffic seen by router hooks so that a run
// can be inspected afterwards.
package recording

import (
	"fmt"
	"time"

	"github.com/sarchlab/telerouter/comm"
	"github.com/sarchlab/telerouter/hooking"
)

// Record is one hook firing.
type Record struct {
	Time    int64
	Run     string
	Domain  string
	Event   string
	MsgID   uint64
	Kind    string
	Action  string
	Src     int32
	Dst     int32
	Service uint16
	Code    string
	Length  int64
	Detail  string
}

// Writer persists batches of records.
type Writer interface {
	Write(rows []Record) error
	Close() error
}

// MakeRecord converts a hook context into a record.
func MakeRecord(run string, at time.Time, ctx hooking.HookCtx) Record {
	r := Record{
		Time: at.UnixNano(),
		Run:  run,
	}

	if ctx.Domain != nil {
		r.Domain = ctx.Domain.Name()
	}

	if ctx.Pos != nil {
		r.Event = ctx.Pos.Name
	}

	switch item := ctx.Item.(type) {
	case comm.Trace:
		r.fill(item)
	case *comm.Message:
		if item != nil {
			r.fill(item.Trace())
		}
	}

	if ctx.Detail != nil {
		r.Detail = fmt.Sprint(ctx.Detail)
	}

	return r
}

func (r *Record) fill(t comm.Trace) {
	r.MsgID = uint64(t.ID)
	r.Kind = t.Kind.String()
	r.Action = t.Action.String()
	r.Src = int32(t.Src)
	r.Dst = int32(t.Dst)
	r.Service = uint16(t.Service)
	r.Code = t.Code.String()
	r.Length = int64(t.Length)
}
