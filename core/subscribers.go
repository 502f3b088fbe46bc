package core

// Subscribe makes subscribers the recipients of messages called name
// published by this actor, replacing any earlier list.
func (a *actor) Subscribe(name string, subscribers ...Actor) {
	if len(subscribers) == 0 {
		delete(a.subscribers, name)
		return
	}
	a.subscribers[name] = append([]Actor(nil), subscribers...)
}

// Unsubscribe drops every subscriber of name.
func (a *actor) Unsubscribe(name string) {
	delete(a.subscribers, name)
}

// Subscribers returns the subscribers of name.
func (a *actor) Subscribers(name string) []Actor {
	return append([]Actor(nil), a.subscribers[name]...)
}

// Publish posts msg to every subscriber of msg.Name and returns how many
// accepted it. Finished subscribers are dropped from the list.
func (a *actor) Publish(msg *Message) int {
	subs := a.subscribers[msg.Name]
	if len(subs) == 0 {
		return 0
	}
	delivered := 0
	kept := subs[:0]
	for _, s := range subs {
		if err := s.PostMessage(msg); err != nil {
			a.log.Debug("subscriber not reachable", "message", msg.Name, "subscriber", s.Name(), "error", err)
			if s.IsFinished() {
				continue
			}
		} else {
			delivered++
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		delete(a.subscribers, msg.Name)
	} else {
		a.subscribers[msg.Name] = kept
	}
	return delivered
}
