package offline

// parameters and response payloads are json objects
type Parameters = map[string]any
type ResponsePayload = map[string]any

// a requested state change, as the three ordered patch sets plus the command
// that confirms it. Built by pure functions and immutable once submitted;
// the queue keeps its own copy.
type MutationDescriptor struct {
	Command    string
	Parameters Parameters

	// applied when the entry is enqueued
	OptimisticPatches []Patch
	// applied when the remote confirms the command
	SuccessPatches []Patch
	// applied when the command fails, times out, or is abandoned
	FailurePatches []Patch

	// the response may mutate the session before the next entry is dispatched
	IsSideEffect bool
	// read-class entries may be dispatched while a write is in flight
	IsRead bool
}

// a write is anything that is not a read. Side effects are always writes
func (self *MutationDescriptor) IsWrite() bool {
	return self.IsSideEffect || !self.IsRead
}

func (self *MutationDescriptor) Clone() *MutationDescriptor {
	var parameters Parameters
	if self.Parameters != nil {
		parameters = CloneValue(self.Parameters).(map[string]any)
	}
	return &MutationDescriptor{
		Command:           self.Command,
		Parameters:        parameters,
		OptimisticPatches: clonePatches(self.OptimisticPatches),
		SuccessPatches:    clonePatches(self.SuccessPatches),
		FailurePatches:    clonePatches(self.FailurePatches),
		IsSideEffect:      self.IsSideEffect,
		IsRead:            self.IsRead && !self.IsSideEffect,
	}
}

// the patch sets for a submit
type Patches struct {
	Optimistic []Patch
	Success    []Patch
	Failure    []Patch
}

func NewWrite(command string, parameters Parameters, patches Patches) *MutationDescriptor {
	return &MutationDescriptor{
		Command:           command,
		Parameters:        parameters,
		OptimisticPatches: patches.Optimistic,
		SuccessPatches:    patches.Success,
		FailurePatches:    patches.Failure,
	}
}

func NewRead(command string, parameters Parameters, patches Patches) *MutationDescriptor {
	descriptor := NewWrite(command, parameters, patches)
	descriptor.IsRead = true
	return descriptor
}

func NewSideEffect(command string, parameters Parameters, patches Patches) *MutationDescriptor {
	descriptor := NewWrite(command, parameters, patches)
	descriptor.IsSideEffect = true
	return descriptor
}
