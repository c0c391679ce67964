package openhumans

import (
	"encoding/json"
	"time"
)

type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

type MemberResponse struct {
	ProjectMemberID string     `json:"project_member_id"`
	Username        string     `json:"username"`
	Data            []DataFile `json:"data"`
	Sources         []string   `json:"sources_shared"`
	Created         string     `json:"created"`
}

type DataFile struct {
	ID          json.Number  `json:"id"`
	Basename    string       `json:"basename"`
	Created     string       `json:"created"`
	DownloadURL string       `json:"download_url"`
	Source      string       `json:"source"`
	Metadata    FileMetadata `json:"metadata"`
}

type FileMetadata struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type DirectUploadResponse struct {
	ID  json.Number `json:"id"`
	URL string      `json:"url"`
}
