// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package rotator

// RotationEvent is delivered to rotation observers after a successful
// rotation has replaced the active identity.
type RotationEvent struct {
	// Identity is the newly active identity.
	Identity *Identity

	// Snapshot is the history snapshot recorded for it.
	Snapshot *IPSnapshot
}

// Observer is a rotation observer callback.
type Observer func(*RotationEvent)

// Subscription is the handle returned by SubscribeRotation.
type Subscription struct {
	id uint64
	c  *Client
}

// Unsubscribe removes the observer.  It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.c.obsLock.Lock()
	delete(s.c.observers, s.id)
	s.c.obsLock.Unlock()
}

// SubscribeRotation registers an observer invoked after every successful
// rotation, and returns its subscription handle.
func (c *Client) SubscribeRotation(o Observer) *Subscription {
	c.obsLock.Lock()
	defer c.obsLock.Unlock()
	c.nextObserverID++
	c.observers[c.nextObserverID] = o
	return &Subscription{id: c.nextObserverID, c: c}
}

// notifyObservers dispatches the event to every registered observer.  Each
// observer runs in its own goroutine so a slow or panicking observer can
// neither delay the rotation path nor affect its peers.
func (c *Client) notifyObservers(ev *RotationEvent) {
	c.obsLock.Lock()
	observers := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		observers = append(observers, o)
	}
	c.obsLock.Unlock()

	for _, o := range observers {
		o := o
		c.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Errorf("Rotation observer panicked: %v", r)
				}
			}()
			o(ev)
		})
	}
}
