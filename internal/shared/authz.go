package shared

// AI assistant permission keys.
const (
	PermAIQuery           = "ai.query"
	PermAITemplatesManage = "ai.templates.manage"
	PermPermissionsGrant  = "permissions.grant"
)

// AIScopes lists all permission keys used by the AI assistant.
func AIScopes() []string {
	return []string{
		PermAIQuery,
		PermAITemplatesManage,
		PermPermissionsGrant,
	}
}
