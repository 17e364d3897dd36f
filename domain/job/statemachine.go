package job

// nextState is the pure transition function described by the state table:
// a job's next state is determined entirely by its current state, its
// goal, whether its class defines a MAIN process, and whether that
// process is currently alive. The second return value reports a "flip
// goal to START" side effect, which three RESPAWN cells carry.
//
// Several RESPAWN-column cells are written as an em-dash in the table
// because they are goal-independent (STOPPING/KILLED always advance the
// same way regardless of goal) or because RESPAWN should simply continue
// the climb the same way START does while the job re-launches after an
// unexpected death. Those are resolved below by falling through to the
// START behavior. POST_START and PRE_STOP are the two cells where the
// table gives RESPAWN distinct, explicit behavior (flip goal to START,
// target STOPPING) and that is implemented literally. POST_STOP under
// RESPAWN heads back to STARTING like START does and also flips the
// goal to START, so the re-launched job climbs to RUNNING under START
// instead of being stopped again by POST_START's RESPAWN cell.
func nextState(state State, goal Goal, hasMain, mainAlive bool) (target State, flipGoalToStart bool) {
	switch state {
	case Waiting:
		if goal != GoalStart {
			panic("job: next_state(WAITING, !START) is not a valid transition")
		}
		return Starting, false

	case Starting:
		if goal == GoalStop {
			return Stopping, false
		}
		return PreStartState, false

	case PreStartState:
		if goal == GoalStop {
			return Stopping, false
		}
		return Spawned, false

	case Spawned:
		if goal == GoalStop {
			return Stopping, false
		}
		return PostStartState, false

	case PostStartState:
		switch goal {
		case GoalStop:
			return Stopping, false
		case GoalRespawn:
			return Stopping, true
		default:
			return Running, false
		}

	case Running:
		if goal == GoalStop {
			if hasMain && mainAlive {
				return PreStopState, false
			}
			return Stopping, false
		}
		// Table literal: (RUNNING, START) -> STOPPING. ChangeGoal never
		// induces it for START, but MainExited reaches it when MAIN exits
		// normally (or by signal) while the goal is still START, and
		// RESPAWN shares it when ChangeGoal(RESPAWN) hits a RUNNING job.
		return Stopping, false

	case PreStopState:
		switch goal {
		case GoalStop:
			return Stopping, false
		case GoalRespawn:
			return Stopping, true
		default:
			return Running, false
		}

	case Stopping:
		return Killed, false

	case Killed:
		return PostStopState, false

	case PostStopState:
		switch goal {
		case GoalStop:
			return Waiting, false
		case GoalRespawn:
			return Starting, true
		default:
			return Starting, false
		}

	default:
		panic("job: next_state: unknown state")
	}
}

// nextState is exported for callers (the reaper, tests) that need to
// predict a job's next transition without driving it.
func NextState(j *Job, hasMain, mainAlive bool) State {
	target, _ := nextState(j.State, j.Goal, hasMain, mainAlive)
	return target
}
