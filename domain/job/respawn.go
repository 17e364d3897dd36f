package job

// Respawn is called by the reaper when a job's MAIN process has exited
// unexpectedly while its goal was START (the pid slot is already
// cleared by the caller). It enforces the class's respawn rate limit
// and otherwise drives the job through a STOPPING/.../STARTING cycle
// via a RESPAWN goal, which -- unlike a plain START -- skips PRE_STOP
// since there is no running process left to ask permission to stop.
func (m *Machine) Respawn(j *Job) {
	c := j.Class
	if !c.Respawn {
		m.ChangeGoal(j, GoalStop)
		return
	}

	now := m.now()
	if c.RespawnInterval > 0 && now.Sub(j.RespawnTime) > c.RespawnInterval {
		j.RespawnTime = now
		j.RespawnCount = 0
	}
	j.RespawnCount++

	if c.RespawnLimit > 0 && j.RespawnCount > c.RespawnLimit {
		m.failed(j, ProcessRespawn, -1)
		m.ChangeGoal(j, GoalStop)
		return
	}

	m.ChangeGoal(j, GoalRespawn)
}
