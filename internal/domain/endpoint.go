package domain

// Endpoint is a resolved webhook delivery target: the single active
// registration for one bot user inside one workspace.
type Endpoint struct {
	ID          string
	WorkspaceID string
	BotUserID   string
	URL         string
	Secret      string
}
