package offline

import (
	"context"
)

// drains the queue, then clears the store except `preserve`, applies `seedPatches`,
// and commits `credential` to the session. Enqueue is never blocked.
//
// entries enqueued while draining are resolved before the clear. The clear and the
// credential commit happen under the state lock after re-checking that nothing is
// outstanding, so no entry is enqueued between the last resolution and the clear.
// An entry that slipped in after idle is drained first.
func (self *SequentialQueue) Reseed(ctx context.Context, preserve []string, seedPatches []Patch, credential Credential) error {
	for {
		if err := self.WaitForIdle(ctx); err != nil {
			return err
		}

		reseeded := false
		Trace("[queue]reseed", func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if 0 < len(self.outstanding) {
				// an entry was enqueued after idle
				return
			}
			patches := []Patch{ClearPatch(preserve...)}
			patches = append(patches, seedPatches...)
			self.store.update(patches)
			self.invoker.commitCredential(credential)
			reseeded = true
		})
		if reseeded {
			self.infoLog("reseed (preserve=%v, delegate=%q)", preserve, credential.DelegateEmail)
			self.store.deliver()
			return nil
		}
	}
}
