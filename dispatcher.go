package rhizome

import "fmt"

// doSuggest implements Engine.Suggest's real logic; it must only ever run
// on the engine goroutine. See Engine.Suggest for the cross-goroutine-safe
// public entry point.
func (e *Engine) doSuggest(m *Manifest, peer PeerCoordinate) SuggestResult {
	if m == nil || !m.Valid() {
		if m != nil {
			e.releaseManifest(m, "invalid manifest")
		}
		return SuggestError
	}
	now := e.poller.NowMS()
	if e.ignoreCache.Check(m.ID, now) {
		e.stats.IgnoreCacheHits++
		e.releaseManifest(m, "ignore-cached")
		return DroppedDuplicate
	}

	lookup, err := e.versionCache.Lookup(m)
	if err != nil {
		e.releaseManifest(m, "version cache lookup error")
		return SuggestError
	}
	switch lookup {
	case VersionCacheBadManifest:
		e.releaseManifest(m, "bad manifest")
		return SuggestError
	case AlreadyHaveEqualOrNewer, AlreadyHaveNewer:
		e.releaseManifest(m, "superseded")
		return DroppedSuperseded
	}

	if m.PayloadLength == 0 {
		if err := e.verifyManifest(m, peer); err != nil {
			e.ignoreCache.Remember(m.ID, peer, e.cfg.IgnoreTTLMS, now)
			e.releaseManifest(m, "verification failed")
			return SuggestError
		}
		if err := e.store.ImportBundle(m, "", m.TTL); err != nil {
			e.releaseManifest(m, "import failed")
			return SuggestError
		}
		e.stats.ImportsCompleted++
		e.releaseManifest(m, "imported (zero-length payload)")
		return AcceptedImmediateImport
	}

	q := e.queues.findQueue(m.PayloadLength)
	for _, other := range e.queues.queues {
		idx := other.indexOfManifestID(m.ID)
		if idx < 0 {
			continue
		}
		existing := other.at(idx)
		if existing.Manifest.Version >= m.Version {
			e.releaseManifest(m, "duplicate of queued candidate")
			return DroppedDuplicate
		}
		other.unqueue(idx, e.releaseManifestFromQueue)
	}

	idx, ok := q.insertionIndex(defaultPriority)
	if !ok {
		e.releaseManifest(m, "queue full")
		return DroppedNoQueue
	}
	q.insert(idx, &Candidate{Manifest: m, Peer: peer, Priority: defaultPriority}, e.releaseManifestFromQueue)
	e.scheduleActivation()
	return Queued
}

// releaseManifestFromQueue adapts releaseManifest to the onEvicted/
// onReleased callback shape candidateQueue.insert/unqueue expect.
func (e *Engine) releaseManifestFromQueue(m *Manifest) {
	e.releaseManifest(m, "queue eviction")
}

// scheduleActivation arms the activation timer if one is not already
// pending, per "if an activation timer is not already armed, arm one at
// now + activation_delay." Only one instance is ever scheduled at a time.
func (e *Engine) scheduleActivation() {
	if e.hasActivation {
		return
	}
	delay := e.cfg.ActivationDelayMS
	if delay < 0 {
		delay = 0
	}
	e.hasActivation = true
	e.activationTimer = e.poller.Schedule(e.poller.NowMS()+delay, func() {
		e.submit(func() {
			e.hasActivation = false
			e.runActivationTick()
		})
	})
}

// runActivationTick calls startNext for each slot, in order from the
// largest-threshold queue's slot to the smallest, per §4.7.
func (e *Engine) runActivationTick() {
	for i := len(e.slots) - 1; i >= 0; i-- {
		e.startNext(e.slots[i])
	}
}

// startNext walks slot's own queue, then progressively smaller-threshold
// queues, attempting to activate a candidate, per the activation-tick
// result table.
func (e *Engine) startNext(slot *fetchSlot) {
	if !slot.idle() {
		return
	}
	for qi := slot.queueIndex; qi >= 0; qi-- {
		q := e.queues.queues[qi]
		i := 0
		for i < q.len() {
			cand := q.at(i)
			switch e.activateCandidate(slot, cand) {
			case activateStarted:
				q.unqueue(i, nil) // ownership moved into the slot, not released
				return
			case activateSlotBusy:
				return
			case activateOlderBundle:
				i++
			default:
				q.unqueue(i, e.releaseManifestFromQueue)
			}
		}
	}
}

// activateCandidate revalidates cand against current engine state and
// either starts it, or reports why it could not be started, per §4.7's
// activate algorithm.
func (e *Engine) activateCandidate(slot *fetchSlot, cand *Candidate) activateResult {
	if !slot.idle() {
		return activateSlotBusy
	}
	m := cand.Manifest

	if m.PayloadLength == 0 {
		if err := e.verifyManifest(m, cand.Peer); err != nil {
			e.ignoreCache.Remember(m.ID, cand.Peer, e.cfg.IgnoreTTLMS, e.poller.NowMS())
			return activateImported
		}
		if err := e.store.ImportBundle(m, "", m.TTL); err == nil {
			e.stats.ImportsCompleted++
		}
		return activateImported
	}

	if lookup, err := e.versionCache.Lookup(m); err == nil && (lookup == AlreadyHaveEqualOrNewer || lookup == AlreadyHaveNewer) {
		return activateSuperseded
	}

	for _, other := range e.slots {
		if other == slot || other.idle() || other.manifestOnly || other.manifest == nil {
			continue
		}
		if other.manifest.ID == m.ID {
			switch {
			case other.manifest.Version == m.Version:
				return activateSameBundle
			case other.manifest.Version > m.Version:
				return activateNewerBundle
			default:
				return activateOlderBundle
			}
		}
		if m.PayloadHash != "" && other.manifest.PayloadHash == m.PayloadHash {
			return activateSamePayload
		}
	}

	if has, err := e.store.HasPayload(m.PayloadHash); err == nil && has {
		if err := e.store.ImportBundle(m, "", m.TTL); err == nil {
			e.stats.ImportsCompleted++
		}
		return activateImported
	}

	if err := slot.activate(cand); err != nil {
		e.log().Warning().Str("manifest_id", m.IDHex()).Err(err).Log(fmt.Sprintf("activate failed: %v", err))
		return activateFailed
	}
	return activateStarted
}
