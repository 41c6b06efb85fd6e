// Package cryptoutil verifies the integrity of rule documents: digest
// parsing and comparison, and detached signatures checked against a KMS
// public key.
package cryptoutil
