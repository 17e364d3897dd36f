package job

import (
	"os"
	"sort"

	"github.com/coriolis-systems/jobd/domain/event"
)

// Registry is the class registry: every class ever loaded, organized
// into a precedence chain per name, plus the stop-then-start matching
// algorithm that drives jobs in response to events.
type Registry struct {
	Machine *Machine

	chains map[string]*chain
}

type chain struct {
	// versions holds every loaded class sharing this name, regardless
	// of precedence or whether it is currently active.
	versions []*Class
	active   *Class
}

// NewRegistry returns an empty registry bound to the given machine. It
// wires itself into the machine's OnWaiting hook to perform
// deletion reconciliation once a job settles to WAITING.
func NewRegistry(m *Machine) *Registry {
	r := &Registry{Machine: m, chains: make(map[string]*chain)}
	m.OnWaiting = r.onJobWaiting
	return r
}

// Load registers a class with the registry and runs consider() to
// decide whether it becomes the active (visible-to-matching) version
// of its name.
func (r *Registry) Load(c *Class) {
	ch := r.chains[c.Name]
	if ch == nil {
		ch = &chain{}
		r.chains[c.Name] = ch
	}
	ch.versions = append(ch.versions, c)
	sort.SliceStable(ch.versions, func(i, j int) bool {
		return ch.versions[i].Precedence < ch.versions[j].Precedence
	})
	r.consider(c)
}

// consider promotes a class to active if no higher-precedence class of
// the same name is already active. A lower-precedence class that is
// already active and still has running instances is left in place:
// the new class waits in the chain until reconsider() lets it take
// over.
func (r *Registry) consider(c *Class) {
	ch := r.chains[c.Name]
	if ch.active == nil {
		ch.active = c
		return
	}
	if ch.active == c {
		return
	}
	if c.Precedence < ch.active.Precedence && len(ch.active.Instances) == 0 {
		r.retire(ch, ch.active)
		ch.active = c
	}
}

// reconsider is called whenever one of a class's instances terminates.
// If the class was displaced by a higher-precedence reload but kept
// running because it still had instances, this is the point where a
// waiting successor can finally take over -- or, if the class itself
// was marked for deletion, where it is removed outright.
func (r *Registry) reconsider(c *Class) {
	ch := r.chains[c.Name]
	if ch == nil || len(c.Instances) > 0 {
		return
	}
	wasActive := ch.active == c

	if c.Deleted {
		r.retire(ch, c)
		if wasActive {
			ch.active = nil
		}
	} else if !wasActive {
		return
	}

	if wasActive {
		best := (*Class)(nil)
		for _, v := range ch.versions {
			if best == nil || v.Precedence < best.Precedence {
				best = v
			}
		}
		ch.active = best
	}

	if len(ch.versions) == 0 {
		delete(r.chains, c.Name)
	}
}

func (r *Registry) retire(ch *chain, c *Class) {
	kept := ch.versions[:0]
	for _, v := range ch.versions {
		if v != c {
			kept = append(kept, v)
		}
	}
	ch.versions = kept
}

func (r *Registry) onJobWaiting(j *Job) {
	r.reconsider(j.Class)
}

// Active returns the currently visible class for a name, or nil.
func (r *Registry) Active(name string) *Class {
	ch := r.chains[name]
	if ch == nil {
		return nil
	}
	return ch.active
}

// AllClasses returns every loaded class across every name's precedence
// chain, regardless of whether it is currently active -- a displaced class
// kept alive only by its running instances still needs to be captured by a
// re-exec snapshot.
func (r *Registry) AllClasses() []*Class {
	var out []*Class
	for _, ch := range r.chains {
		out = append(out, ch.versions...)
	}
	return out
}

// RestoreClass re-registers a class restored from a snapshot, bypassing the
// normal consider() precedence check: the caller (Restore) has already
// decided which class is active in the restored graph.
func (r *Registry) RestoreClass(c *Class, active bool) {
	ch := r.chains[c.Name]
	if ch == nil {
		ch = &chain{}
		r.chains[c.Name] = ch
	}
	ch.versions = append(ch.versions, c)
	if active {
		ch.active = c
	}
}

// HandleEvent runs the per-event matching algorithm against every
// active class: stop matches are evaluated (and acted on) before start
// matches, so that an event naming both causes a running process to be
// replaced rather than started twice.
func (r *Registry) HandleEvent(e *event.Event) {
	for _, ch := range r.chains {
		c := ch.active
		if c == nil {
			continue
		}
		r.matchStop(c, e)
		r.matchStart(c, e)
	}
}

func (r *Registry) matchStop(c *Class, e *event.Event) {
	for _, j := range instancesSnapshot(c) {
		if j.StopOn == nil {
			continue
		}
		if !event.Handle(j.StopOn, e, j.Env) {
			continue
		}
		if j.Goal != GoalStop {
			j.StopEnv = nil
			var stopEnv []string
			event.Environment(j.StopOn, &stopEnv, "UPSTART_STOP_EVENTS")
			j.StopEnv = stopEnv

			r.Machine.finished(j, false) // resolves and clears prior waiters

			event.CollectEvents(j.StopOn, &j.Blocking)

			r.Machine.ChangeGoal(j, GoalStop)
		}
		event.Reset(j.StopOn)
	}
}

func (r *Registry) matchStart(c *Class, e *event.Event) {
	if c.StartOn == nil {
		return
	}
	if !event.Handle(c.StartOn, e, nil) {
		return
	}

	env := append([]string(nil), c.Env...)
	event.Environment(c.StartOn, &env, "UPSTART_EVENTS")

	name := ""
	if c.InstanceTemplate != "" {
		name = expandTemplate(c.InstanceTemplate, env)
	}

	_, existed := c.Instances[name]
	j := c.Instance(name)
	if !existed {
		j.Bind(r.Machine)
	}

	if j.Goal != GoalStart {
		j.StartEnv = env

		// Append rather than replace: a stop match against this same
		// event may have just attached its own blocking records above,
		// and those must stay intact until the job itself finishes.
		event.CollectEvents(c.StartOn, &j.Blocking)

		r.Machine.ChangeGoal(j, GoalStart)
	}

	event.Reset(c.StartOn)
}

// instancesSnapshot copies a class's instance set so that jobs created
// by a start match within the same HandleEvent pass are not also
// visited by the stop match already in progress.
func instancesSnapshot(c *Class) []*Job {
	out := make([]*Job, 0, len(c.Instances))
	for _, j := range c.Instances {
		out = append(out, j)
	}
	return out
}

// expandTemplate expands $NAME references in an instance-name template
// against a matched event's captured environment.
func expandTemplate(tmpl string, env []string) string {
	return os.Expand(tmpl, func(name string) string {
		v, _ := event.EnvValue(env, name)
		return v
	})
}
