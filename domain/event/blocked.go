package event

// BlockedKind identifies which variant of collaborator a Blocked record
// refers to. Exactly one of the corresponding fields on Blocked is set,
// matching the kind.
type BlockedKind int

const (
	// BlockedJob records that a job is waiting for the event holding this
	// record to finish before it resumes its own state transition.
	BlockedJob BlockedKind = iota
	// BlockedEvent records that another event's completion (success or
	// failure) is gated on this one -- used when a start_on/stop_on
	// match pulls in several events that must all finish together.
	BlockedEvent
	// BlockedStart, BlockedStop, BlockedRestart record a pending control
	// RPC reply: the caller asked to start/stop/restart a job with
	// wait=true and is parked until the job (or the event it triggered)
	// settles.
	BlockedStart
	BlockedStop
	BlockedRestart
)

func (k BlockedKind) String() string {
	switch k {
	case BlockedJob:
		return "job"
	case BlockedEvent:
		return "event"
	case BlockedStart:
		return "start"
	case BlockedStop:
		return "stop"
	case BlockedRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// Blocker is implemented by anything that can be parked on an event and
// resumed once that event finishes. domain/job.Job satisfies this so that
// domain/event never needs to import domain/job.
type Blocker interface {
	// Resume re-enters the state transition that was waiting on an
	// event. Called once, from the event queue's dispatch pass.
	Resume()

	// ID names the blocker for diagnostics and snapshot indexing.
	ID() string
}

// ReplyHandle is implemented by whatever transport parked a control RPC
// call (typically internal/control). Resolve is called exactly once, with
// a nil error on success.
type ReplyHandle interface {
	Resolve(err error)
}

// Blocked is a tagged record of one party waiting on one event (or, when
// held in a Job's own Blocking list, one party waiting on that job). Event
// is populated for BlockedEvent, Job for BlockedJob, Reply for the three
// RPC-reply kinds. A BlockedEvent record may carry a Reply instead of an
// Event: that is how a wait=true emit caller is parked on the event it
// emitted.
type Blocked struct {
	Kind  BlockedKind
	Job   Blocker
	Event *Event
	Reply ReplyHandle
}

// Resolve releases this blocker against the outcome of whatever it was
// waiting on. err is nil on success, or the failure the waited-on party
// reported.
func (b *Blocked) Resolve(err error) {
	switch b.Kind {
	case BlockedJob:
		if b.Job != nil {
			b.Job.Resume()
		}
	case BlockedEvent:
		if b.Event != nil {
			if err != nil {
				b.Event.Failed = true
			}
			b.Event.Unblock()
		}
		if b.Reply != nil {
			b.Reply.Resolve(err)
		}
	case BlockedStart, BlockedStop, BlockedRestart:
		if b.Reply != nil {
			b.Reply.Resolve(err)
		}
	}
}
