package core

type (
	// User is the identity exposed by the auth collaborator. ID is the stable
	// subject every user-scoped fetch keys off.
	User struct {
		ID        string `json:"id"`
		Login     string `json:"login"`
		Email     string `json:"email,omitempty"`
		AvatarURL string `json:"avatarUrl,omitempty"`
		Name      string `json:"name,omitempty"`
	}
)
