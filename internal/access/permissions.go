package access

// Role keys seeded at bootstrap.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleClient  = "client"
)

// Permission keys. PermAll is the superuser wildcard; everything else follows
// the <entity>.<verb>.<scope> convention where scope is "any" or "own".
const (
	PermAll = "*"

	PermProjectsViewAny   = "projects.view.any"
	PermProjectsViewOwn   = "projects.view.own"
	PermProjectsEditAny   = "projects.edit.any"
	PermProjectsEditOwn   = "projects.edit.own"
	PermProjectsDeleteAny = "projects.delete.any"

	PermTasksViewAny = "tasks.view.any"
	PermTasksViewOwn = "tasks.view.own"
	PermTasksEditAny = "tasks.edit.any"
	PermTasksEditOwn = "tasks.edit.own"

	PermClientsViewAny = "clients.view.any"
	PermClientsEditAny = "clients.edit.any"

	PermPaymentsViewAny = "payments.view.any"
	PermPaymentsViewOwn = "payments.view.own"

	PermUsersManage = "users.manage"
	PermAuditView   = "audit.view"
)

// Catalog is the closed permission set seeded at bootstrap.
var Catalog = []Permission{
	{Key: PermAll, Description: "Superuser wildcard"},
	{Key: PermProjectsViewAny, Description: "View any project in the tenant"},
	{Key: PermProjectsViewOwn, Description: "View own projects"},
	{Key: PermProjectsEditAny, Description: "Edit any project in the tenant"},
	{Key: PermProjectsEditOwn, Description: "Edit own projects"},
	{Key: PermProjectsDeleteAny, Description: "Delete projects"},
	{Key: PermTasksViewAny, Description: "View any task"},
	{Key: PermTasksViewOwn, Description: "View own tasks"},
	{Key: PermTasksEditAny, Description: "Edit any task"},
	{Key: PermTasksEditOwn, Description: "Edit own tasks"},
	{Key: PermClientsViewAny, Description: "View client records"},
	{Key: PermClientsEditAny, Description: "Edit client records"},
	{Key: PermPaymentsViewAny, Description: "View any payment"},
	{Key: PermPaymentsViewOwn, Description: "View own payments"},
	{Key: PermUsersManage, Description: "Manage tenant users"},
	{Key: PermAuditView, Description: "View and verify the security event log"},
}

// ActionPerms pairs the tenant-wide and owner-only permission for one action
// on a scoped resource. Own may be empty when only the "any" form exists.
type ActionPerms struct {
	Any string
	Own string
}

// ProjectActions is the closed action table for the project guard. Call sites
// name an action; the pair lookup happens here, never ad hoc at the call site.
var ProjectActions = map[string]ActionPerms{
	"view":   {Any: PermProjectsViewAny, Own: PermProjectsViewOwn},
	"edit":   {Any: PermProjectsEditAny, Own: PermProjectsEditOwn},
	"delete": {Any: PermProjectsDeleteAny},
}

// legacyPermissions is the hard-coded fallback used when the RBAC tables are
// unusable (for example mid-provisioning). Admin keeps the wildcard; everyone
// else gets the fixed minimal client set.
func legacyPermissions(legacyRole string) map[string]bool {
	if legacyRole == RoleAdmin {
		return map[string]bool{PermAll: true}
	}
	return map[string]bool{
		PermProjectsViewOwn: true,
		PermTasksViewOwn:    true,
		PermPaymentsViewOwn: true,
	}
}

// defaultRoleFor picks the RBAC role auto-bound to users that have no
// explicit binding yet: admins map to the admin role, everyone else to client.
func defaultRoleFor(legacyRole string) string {
	if legacyRole == RoleAdmin {
		return RoleAdmin
	}
	return RoleClient
}
