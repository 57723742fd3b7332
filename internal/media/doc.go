// Package media stores uploaded files and ingests raw videos into the
// directory layout media agents read from.
package media
