package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine/auth"
)

func ptr(s string) *string { return &s }

var (
	owner     = domain.Actor{UserID: "owner", Role: domain.RoleOwner}
	managerA  = domain.Actor{UserID: "mgr-a", Role: domain.RoleManager, DealershipID: ptr("A"), AttachedDealershipIDs: []string{"C"}}
	employeeA = domain.Actor{UserID: "emp-a", Role: domain.RoleEmployee, DealershipID: ptr("A")}
	observerA = domain.Actor{UserID: "obs-a", Role: domain.RoleObserver, DealershipID: ptr("A")}
)

func TestCanAccessDealership(t *testing.T) {
	assert.True(t, auth.CanAccessDealership(managerA, nil))
	assert.True(t, auth.CanAccessDealership(managerA, ptr("A")))
	assert.True(t, auth.CanAccessDealership(managerA, ptr("C")), "attached dealership")
	assert.False(t, auth.CanAccessDealership(managerA, ptr("B")))
	assert.True(t, auth.CanAccessDealership(owner, ptr("B")))
}

func TestCanViewTask(t *testing.T) {
	inA := auth.TaskScope{DealershipID: ptr("A"), CreatorID: "mgr-a"}
	inB := auth.TaskScope{DealershipID: ptr("B"), CreatorID: "someone"}
	assignedInB := auth.TaskScope{DealershipID: ptr("B"), CreatorID: "someone", AssigneeIDs: []string{"emp-a"}}

	assert.True(t, auth.CanViewTask(managerA, inA))
	assert.False(t, auth.CanViewTask(managerA, inB))
	assert.True(t, auth.CanViewTask(observerA, inA))
	assert.False(t, auth.CanViewTask(employeeA, inA), "employees only see their own tasks")
	assert.True(t, auth.CanViewTask(employeeA, assignedInB))
	assert.True(t, auth.CanViewTask(owner, inB))
}

func TestCanEditAndVerify(t *testing.T) {
	inA := auth.TaskScope{DealershipID: ptr("A"), CreatorID: "someone", AssigneeIDs: []string{"emp-a"}}
	inB := auth.TaskScope{DealershipID: ptr("B"), CreatorID: "someone"}
	ownTask := auth.TaskScope{DealershipID: ptr("A"), CreatorID: "emp-a"}

	assert.True(t, auth.CanEditTask(managerA, inA))
	assert.False(t, auth.CanEditTask(managerA, inB))
	assert.False(t, auth.CanEditTask(employeeA, inA))
	assert.True(t, auth.CanEditTask(employeeA, ownTask))
	assert.False(t, auth.CanEditTask(observerA, inA))

	assert.True(t, auth.CanVerify(managerA, inA))
	assert.False(t, auth.CanVerify(managerA, inB))
	assert.False(t, auth.CanVerify(employeeA, inA), "assignees never verify")
	assert.False(t, auth.CanVerify(employeeA, ownTask))
	assert.False(t, auth.CanVerify(observerA, inA))
	assert.True(t, auth.CanVerify(owner, inB))
}

func TestCanManageDealership(t *testing.T) {
	assert.True(t, auth.CanManageDealership(owner, nil))
	assert.False(t, auth.CanManageDealership(managerA, nil), "global settings are owner-only")
	assert.True(t, auth.CanManageDealership(managerA, ptr("A")))
	assert.False(t, auth.CanManageDealership(managerA, ptr("B")))
	assert.False(t, auth.CanManageDealership(employeeA, ptr("A")))
}

func TestAccessibleDeduplicatesPrimary(t *testing.T) {
	a := domain.Actor{Role: domain.RoleManager, DealershipID: ptr("A"), AttachedDealershipIDs: []string{"A", "B"}}
	assert.Equal(t, []string{"A", "B"}, auth.Accessible(a))
	assert.Nil(t, auth.Accessible(owner))
	assert.Equal(t, []string{}, auth.Accessible(domain.Actor{UserID: "x", Role: domain.RoleObserver}))
}
