package models

// Action names an operation that is gated by role.
type Action string

const (
	ActionAddBook     Action = "add_book"
	ActionDeleteBook  Action = "delete_book"
	ActionAssignBook  Action = "assign_book"
	ActionSubmitBook  Action = "submit_book"
	ActionViewReports Action = "view_reports"
)

// capabilities lists, for every gated action, the roles allowed to perform it.
// Actions missing from the table are denied to everyone.
var capabilities = map[Action][]UserRole{
	ActionAddBook:     {UserRoleSuperAdmin},
	ActionDeleteBook:  {UserRoleSuperAdmin},
	ActionAssignBook:  {UserRoleLibraryManager},
	ActionSubmitBook:  {UserRoleLibraryManager},
	ActionViewReports: {UserRoleLibraryManager, UserRoleSuperAdmin},
}

// Allowed reports whether role may perform action.
func Allowed(role UserRole, action Action) bool {
	for _, r := range capabilities[action] {
		if r == role {
			return true
		}
	}
	return false
}
