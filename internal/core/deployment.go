package core

import "time"

type DeploymentStatus string

const (
	DeploymentActive   DeploymentStatus = "active"
	DeploymentArchived DeploymentStatus = "archived"
)

// Deployment is an immutable, versioned snapshot of a spider's code. Only
// Status changes after creation.
type Deployment struct {
	ID          string           `json:"id"`
	SpiderID    string           `json:"spider_id"`
	Version     int              `json:"version"`
	Status      DeploymentStatus `json:"status"`
	FileCount   int              `json:"file_count"`
	ArchiveSize int64            `json:"archive_size"`
	Checksum    string           `json:"checksum"`
	ArchiveKey  string           `json:"archive_key"`
	DeployNote  string           `json:"deploy_note,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

func (d *Deployment) IsActive() bool { return d.Status == DeploymentActive }

// ArchiveKeyFor returns the object key a deployment archive is stored under.
func ArchiveKeyFor(spiderID, deploymentID string) string {
	return "spiders/" + spiderID + "/deployments/" + deploymentID + ".tar.gz"
}
