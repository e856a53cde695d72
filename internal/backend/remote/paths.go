package remote

// API routes, relative to the configured base URL.
const (
	pathUsersMe           = "users/me"
	pathUsers             = "users"
	pathOrganization      = "organizations/me"
	pathUserGroups        = "usergroups"
	pathInvitations       = "invitations"
	pathInvitationAccept  = "invitations/accept"
	pathPermissions       = "permissions"
	pathDirectories       = "directories"
	pathAssets            = "assets"
	pathProjects          = "projects"
	pathProjectExecutions = "project-executions"
	pathUploadStart       = "files/upload/start"
	pathUploadEnd         = "files/upload/end"
	pathSecrets           = "secrets"
	pathDatalinks         = "datalinks"
	pathTags              = "tags"
)
