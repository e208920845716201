// Package pipeline defines the task model, stage ordering and the small
// interfaces shared by the ingestion stages and their adapters.
package pipeline
