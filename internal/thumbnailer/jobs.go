package thumbnailer

// job tracks one outstanding batch request.
type job struct {
	request   uint32      // Local request id, never 0
	handle    uint32      // Service handle, valid only if hasHandle
	hasHandle bool        // Set when the Queue call succeeded, cleared on Finished
	cancelled bool        // Sticky
	call      PendingCall // In-flight Queue call, nil once it completed

	resolved chan struct{} // Closed when the Queue call completed
	err      error         // Why no handle was kept, set before resolved closes
}

// jobTable indexes live jobs by request id and by service handle.
//
// It has no lock of its own: every method must be called with the owning
// Thumbnailer's mutex held.
type jobTable struct {
	lastRequest uint32
	byRequest   map[uint32]*job
	byHandle    map[uint32]*job
}

func newJobTable() *jobTable {
	return &jobTable{
		byRequest: make(map[uint32]*job),
		byHandle:  make(map[uint32]*job),
	}
}

// nextRequest allocates the next request id: last+1, skipping 0 on wraparound
// and any id still held by a live job.
func (t *jobTable) nextRequest() uint32 {
	n := t.lastRequest
	for {
		n++
		if n == 0 {
			n = 1
		}
		if _, live := t.byRequest[n]; !live {
			break
		}
	}
	t.lastRequest = n
	return n
}

// create registers a new job with a fresh request id.
func (t *jobTable) create() *job {
	j := &job{request: t.nextRequest(), resolved: make(chan struct{})}
	t.byRequest[j.request] = j
	return j
}

func (t *jobTable) byRequestID(request uint32) *job {
	return t.byRequest[request]
}

func (t *jobTable) lookupHandle(handle uint32) *job {
	return t.byHandle[handle]
}

// assignHandle records the service handle of j. A stale job still claiming the
// same handle loses its index entry so at most one job matches a handle.
func (t *jobTable) assignHandle(j *job, handle uint32) (displaced *job) {
	if prev, ok := t.byHandle[handle]; ok && prev != j {
		prev.hasHandle = false
		displaced = prev
	}
	j.handle = handle
	j.hasHandle = true
	t.byHandle[handle] = j
	return displaced
}

// clearHandle forgets the handle of j.
func (t *jobTable) clearHandle(j *job) {
	if j.hasHandle && t.byHandle[j.handle] == j {
		delete(t.byHandle, j.handle)
	}
	j.hasHandle = false
}

// remove drops j from both indexes. Removing an already removed job is a no-op.
func (t *jobTable) remove(j *job) {
	t.clearHandle(j)
	if t.byRequest[j.request] == j {
		delete(t.byRequest, j.request)
	}
}

func (t *jobTable) contains(j *job) bool {
	return t.byRequest[j.request] == j
}

func (t *jobTable) len() int {
	return len(t.byRequest)
}

// drain removes and returns every live job.
func (t *jobTable) drain() []*job {
	jobs := make([]*job, 0, len(t.byRequest))
	for _, j := range t.byRequest {
		jobs = append(jobs, j)
	}
	t.byRequest = make(map[uint32]*job)
	t.byHandle = make(map[uint32]*job)
	return jobs
}
