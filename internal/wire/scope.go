// Package wire implements the JSON-framed command/response/envelope protocol
// the control plane speaks, whether over an embedded in-process transport or
// a line-framed TCP connection.
package wire

// Scope identifies the tenant/user/workspace/worktree/conversation tuple an
// envelope or subscription filter pertains to.
type Scope struct {
	TenantID       string `json:"tenantId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	WorkspaceID    string `json:"workspaceId,omitempty"`
	WorktreeID     string `json:"worktreeId,omitempty"`
	TurnID         string `json:"turnId,omitempty"`
	DirectoryID    string `json:"directoryId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	RepositoryID   string `json:"repositoryId,omitempty"`
	TaskID         string `json:"taskId,omitempty"`
}

// Matches reports whether every field set on the filter among tenantId,
// userId, workspaceId, repositoryId, taskId, directoryId and conversationId
// equals the same field on the scope. An unset filter field imposes no
// constraint; worktreeId and turnId are not compared.
func (filter Scope) Matches(scope Scope) bool {
	if filter.TenantID != "" && filter.TenantID != scope.TenantID {
		return false
	}
	if filter.UserID != "" && filter.UserID != scope.UserID {
		return false
	}
	if filter.WorkspaceID != "" && filter.WorkspaceID != scope.WorkspaceID {
		return false
	}
	if filter.RepositoryID != "" && filter.RepositoryID != scope.RepositoryID {
		return false
	}
	if filter.TaskID != "" && filter.TaskID != scope.TaskID {
		return false
	}
	if filter.DirectoryID != "" && filter.DirectoryID != scope.DirectoryID {
		return false
	}
	if filter.ConversationID != "" && filter.ConversationID != scope.ConversationID {
		return false
	}
	return true
}
