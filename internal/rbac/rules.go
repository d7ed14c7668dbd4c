package rbac

// Simple default policy. Expand as needed.
var RolePermissions = map[string][]string{
	"learner": {
		"attempt:create",
		"attempt:answer",
		"attempt:finish",
		"attempt:view-own",
	},
	"instructor": {
		"attempt:view-all",
	},
	"operator": {
		"*", // everything
	},
}
