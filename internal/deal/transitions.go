package deal

import (
	"sort"

	m "github.com/lonmstalker/advert-market-sub000/internal/models"
)

type edge struct {
	from, to m.DealStatus
}

// transitions maps every legal edge to the actors allowed to take it.
// Built once at init and never mutated; accessors hand out copies.
var transitions = buildTransitions([]struct {
	from, to m.DealStatus
	actors   []m.ActorType
}{
	{m.DealStatusDraft, m.DealStatusOfferPending, []m.ActorType{m.ActorAdvertiser}},
	{m.DealStatusDraft, m.DealStatusCancelled, []m.ActorType{m.ActorAdvertiser}},

	{m.DealStatusOfferPending, m.DealStatusNegotiating, []m.ActorType{m.ActorChannelOwner, m.ActorAdvertiser}},
	{m.DealStatusOfferPending, m.DealStatusAccepted, []m.ActorType{m.ActorChannelOwner}},
	{m.DealStatusOfferPending, m.DealStatusCancelled, []m.ActorType{m.ActorAdvertiser, m.ActorChannelOwner}},
	{m.DealStatusOfferPending, m.DealStatusExpired, []m.ActorType{m.ActorSystem}},

	{m.DealStatusNegotiating, m.DealStatusOfferPending, []m.ActorType{m.ActorAdvertiser}},
	{m.DealStatusNegotiating, m.DealStatusAccepted, []m.ActorType{m.ActorChannelOwner, m.ActorAdvertiser}},
	{m.DealStatusNegotiating, m.DealStatusCancelled, []m.ActorType{m.ActorAdvertiser, m.ActorChannelOwner}},
	{m.DealStatusNegotiating, m.DealStatusExpired, []m.ActorType{m.ActorSystem}},

	{m.DealStatusAccepted, m.DealStatusAwaitingPayment, []m.ActorType{m.ActorSystem}},
	{m.DealStatusAccepted, m.DealStatusCancelled, []m.ActorType{m.ActorAdvertiser, m.ActorChannelOwner}},
	{m.DealStatusAccepted, m.DealStatusExpired, []m.ActorType{m.ActorSystem}},

	{m.DealStatusAwaitingPayment, m.DealStatusFunded, []m.ActorType{m.ActorSystem}},
	{m.DealStatusAwaitingPayment, m.DealStatusCancelled, []m.ActorType{m.ActorAdvertiser}},
	{m.DealStatusAwaitingPayment, m.DealStatusExpired, []m.ActorType{m.ActorSystem}},

	{m.DealStatusFunded, m.DealStatusCreativeSubmitted, []m.ActorType{m.ActorChannelOwner}},
	{m.DealStatusFunded, m.DealStatusCancelled, []m.ActorType{m.ActorAdvertiser, m.ActorChannelOwner, m.ActorPlatformOperator}},
	{m.DealStatusFunded, m.DealStatusExpired, []m.ActorType{m.ActorSystem}},

	{m.DealStatusCreativeSubmitted, m.DealStatusCreativeApproved, []m.ActorType{m.ActorAdvertiser}},
	// Revision requested: back to FUNDED so the owner can resubmit.
	{m.DealStatusCreativeSubmitted, m.DealStatusFunded, []m.ActorType{m.ActorAdvertiser}},
	{m.DealStatusCreativeSubmitted, m.DealStatusCancelled, []m.ActorType{m.ActorAdvertiser, m.ActorChannelOwner, m.ActorPlatformOperator}},
	{m.DealStatusCreativeSubmitted, m.DealStatusExpired, []m.ActorType{m.ActorSystem}},

	{m.DealStatusCreativeApproved, m.DealStatusScheduled, []m.ActorType{m.ActorChannelOwner}},
	{m.DealStatusCreativeApproved, m.DealStatusPublished, []m.ActorType{m.ActorChannelOwner, m.ActorSystem}},
	{m.DealStatusCreativeApproved, m.DealStatusCancelled, []m.ActorType{m.ActorAdvertiser, m.ActorChannelOwner, m.ActorPlatformOperator}},
	{m.DealStatusCreativeApproved, m.DealStatusExpired, []m.ActorType{m.ActorSystem}},

	{m.DealStatusScheduled, m.DealStatusPublished, []m.ActorType{m.ActorSystem, m.ActorChannelOwner}},
	{m.DealStatusScheduled, m.DealStatusCancelled, []m.ActorType{m.ActorAdvertiser, m.ActorChannelOwner, m.ActorPlatformOperator}},
	{m.DealStatusScheduled, m.DealStatusExpired, []m.ActorType{m.ActorSystem}},

	{m.DealStatusPublished, m.DealStatusDeliveryVerifying, []m.ActorType{m.ActorSystem}},
	{m.DealStatusPublished, m.DealStatusDisputed, []m.ActorType{m.ActorAdvertiser}},

	{m.DealStatusDeliveryVerifying, m.DealStatusCompletedReleased, []m.ActorType{m.ActorSystem}},
	{m.DealStatusDeliveryVerifying, m.DealStatusDisputed, []m.ActorType{m.ActorAdvertiser, m.ActorSystem}},

	{m.DealStatusDisputed, m.DealStatusCompletedReleased, []m.ActorType{m.ActorPlatformOperator}},
	{m.DealStatusDisputed, m.DealStatusRefunded, []m.ActorType{m.ActorPlatformOperator}},
	{m.DealStatusDisputed, m.DealStatusPartiallyRefunded, []m.ActorType{m.ActorPlatformOperator}},
	{m.DealStatusDisputed, m.DealStatusExpired, []m.ActorType{m.ActorSystem}},
})

func buildTransitions(rows []struct {
	from, to m.DealStatus
	actors   []m.ActorType
}) map[edge]map[m.ActorType]struct{} {
	out := make(map[edge]map[m.ActorType]struct{}, len(rows))
	for _, r := range rows {
		set := make(map[m.ActorType]struct{}, len(r.actors))
		for _, a := range r.actors {
			set[a] = struct{}{}
		}
		out[edge{r.from, r.to}] = set
	}
	return out
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to m.DealStatus) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// AllowedActors returns the actors permitted on from -> to, sorted. Nil for a non-edge.
func AllowedActors(from, to m.DealStatus) []m.ActorType {
	set, ok := transitions[edge{from, to}]
	if !ok {
		return nil
	}
	out := make([]m.ActorType, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Targets returns every status reachable from from in one step, sorted.
func Targets(from m.DealStatus) []m.DealStatus {
	var out []m.DealStatus
	for e := range transitions {
		if e.from == from {
			out = append(out, e.to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateTransition checks the edge, then the actor.
func ValidateTransition(from, to m.DealStatus, actor m.ActorType) error {
	set, ok := transitions[edge{from, to}]
	if !ok {
		return &TransitionError{From: from, To: to, Actor: actor, Err: ErrInvalidTransition}
	}
	if _, ok := set[actor]; !ok {
		return &TransitionError{From: from, To: to, Actor: actor, Err: ErrActorNotAllowed}
	}
	return nil
}
