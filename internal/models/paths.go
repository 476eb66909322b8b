package models

// Store layout. Nothing else is persisted.
const (
	UsersCollection = "users"
	statusDoc       = "status"
	inboxDoc        = "inbox"

	// StatusKindField is the field path queried when looking for seeking users.
	StatusKindField = statusDoc + "/kind"
)

// StatusPath returns users/{id}/status.
func StatusPath(id string) string {
	return UsersCollection + "/" + id + "/" + statusDoc
}

// InboxPath returns users/{id}/inbox.
func InboxPath(id string) string {
	return UsersCollection + "/" + id + "/" + inboxDoc
}
