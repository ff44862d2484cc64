package auth

import "dealerdesk/internal/domain"

// TaskScope is what the policy needs to know about a task.
type TaskScope struct {
	DealershipID *string
	CreatorID    string
	AssigneeIDs  []string
}

func ScopeOf(t domain.Task) TaskScope {
	return TaskScope{DealershipID: t.DealershipID, CreatorID: t.CreatorID, AssigneeIDs: t.AssigneeIDs}
}

func (s TaskScope) assigned(userID string) bool {
	for _, id := range s.AssigneeIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Accessible lists the dealerships an actor is affiliated with. Owners
// are unrestricted and get nil; everyone else gets a non-nil slice.
func Accessible(a domain.Actor) []string {
	if a.Role == domain.RoleOwner {
		return nil
	}
	out := []string{}
	if a.DealershipID != nil {
		out = append(out, *a.DealershipID)
	}
	for _, id := range a.AttachedDealershipIDs {
		if a.DealershipID != nil && id == *a.DealershipID {
			continue
		}
		out = append(out, id)
	}
	return out
}

func CanAccessDealership(a domain.Actor, dealershipID *string) bool {
	if dealershipID == nil || a.Role == domain.RoleOwner {
		return true
	}
	for _, id := range Accessible(a) {
		if id == *dealershipID {
			return true
		}
	}
	return false
}

// CanViewTask lets employees see only tasks they are assigned to or created;
// other roles see everything in dealerships they can access.
func CanViewTask(a domain.Actor, t TaskScope) bool {
	if a.Role == domain.RoleOwner || t.CreatorID == a.UserID || t.assigned(a.UserID) {
		return true
	}
	if a.Role == domain.RoleEmployee {
		return false
	}
	return CanAccessDealership(a, t.DealershipID)
}

func CanEditTask(a domain.Actor, t TaskScope) bool {
	switch {
	case a.Role == domain.RoleOwner:
		return true
	case a.Role == domain.RoleObserver:
		return false
	case t.CreatorID == a.UserID:
		return true
	case a.Role == domain.RoleManager:
		return CanAccessDealership(a, t.DealershipID)
	}
	return false
}

// CanVerify covers approve, reject and reject-all.
func CanVerify(a domain.Actor, t TaskScope) bool {
	switch a.Role {
	case domain.RoleOwner:
		return true
	case domain.RoleManager:
		return CanAccessDealership(a, t.DealershipID)
	}
	return false
}

// CanCreateTask allows owners anywhere and managers inside their dealerships.
func CanCreateTask(a domain.Actor, dealershipID *string) bool {
	return CanManageDealership(a, dealershipID)
}

// CanManageDealership guards dealership settings such as the calendar and
// generators. Global settings belong to owners.
func CanManageDealership(a domain.Actor, dealershipID *string) bool {
	switch a.Role {
	case domain.RoleOwner:
		return true
	case domain.RoleManager:
		return dealershipID != nil && CanAccessDealership(a, dealershipID)
	}
	return false
}
