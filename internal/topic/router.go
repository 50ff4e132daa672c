package topic

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tathienbao/stgeng/internal/types"
)

// Router maps topics to the strategy instances subscribed to them.
// Subscribers of a topic are returned in subscription order.
type Router struct {
	mu     sync.RWMutex
	subs   map[string][]types.StgInstID
	byInst map[types.StgInstID]map[string]struct{}
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		subs:   make(map[string][]types.StgInstID),
		byInst: make(map[types.StgInstID]map[string]struct{}),
	}
}

// Sub subscribes an instance to a topic. Subscribing twice is a no-op; added reports whether
// the subscription is new.
func (r *Router) Sub(inst types.StgInstID, topic string) (added bool, err error) {
	if err := Validate(topic); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	topics, ok := r.byInst[inst]
	if !ok {
		topics = make(map[string]struct{})
		r.byInst[inst] = topics
	}
	if _, dup := topics[topic]; dup {
		return false, nil
	}
	topics[topic] = struct{}{}
	r.subs[topic] = append(r.subs[topic], inst)
	return true, nil
}

// Unsub removes a subscription.
func (r *Router) Unsub(inst types.StgInstID, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := r.byInst[inst]
	if _, ok := topics[topic]; !ok {
		return fmt.Errorf("%w: inst %d topic %s", types.ErrTopicNotSubscribed, inst, topic)
	}
	delete(topics, topic)
	if len(topics) == 0 {
		delete(r.byInst, inst)
	}
	r.removeSubscriberLocked(topic, inst)
	return nil
}

// RemoveInstance drops every subscription of an instance and returns how many were removed.
func (r *Router) RemoveInstance(inst types.StgInstID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := r.byInst[inst]
	for topic := range topics {
		r.removeSubscriberLocked(topic, inst)
	}
	delete(r.byInst, inst)
	return len(topics)
}

func (r *Router) removeSubscriberLocked(topic string, inst types.StgInstID) {
	list := r.subs[topic]
	for i, id := range list {
		if id == inst {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.subs, topic)
		return
	}
	r.subs[topic] = list
}

// Subscribers returns a copy of the instances subscribed to topic.
func (r *Router) Subscribers(topic string) []types.StgInstID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.subs[topic]
	if len(list) == 0 {
		return nil
	}
	out := make([]types.StgInstID, len(list))
	copy(out, list)
	return out
}

// IsSubscribed reports whether inst is subscribed to topic.
func (r *Router) IsSubscribed(inst types.StgInstID, topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byInst[inst][topic]
	return ok
}

// Topics returns the sorted topics an instance is subscribed to.
func (r *Router) Topics(inst types.StgInstID) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byInst[inst]))
	for topic := range r.byInst[inst] {
		out = append(out, topic)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Count returns the total number of subscriptions.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, topics := range r.byInst {
		n += len(topics)
	}
	return n
}
