package sealbox

// Table and index names are part of the on-disk compatibility contract.
// Renaming any of them requires a schema step; never change what an
// existing name means.
const (
	tableCore                   = "core"
	tableSessions               = "sessions"
	tableOutboundSessions       = "outbound_sessions"
	tableTrackedIdentities      = "tracked_identities"
	tableVerificationHashes     = "verification_hashes"
	tableDevices                = "devices"
	tableCrossSigningIdentities = "cross_signing_identities"
	tableBackupKeys             = "backup_keys"
	tableRoomSettings           = "room_settings"
	tableWithheldCodes          = "withheld_codes"
	tableSecretsInbox           = "secrets_inbox"
	tableGossipRequests         = "gossip_requests"

	// Current shape of the inbound session table, introduced at schema
	// version 6 and populated by the bulk data migration.
	tableInboundSessions2 = "inbound_sessions2"

	indexGossipRequestsUnsent = "gossip_requests_unsent"
	indexGossipRequestsByInfo = "gossip_requests_by_info"
	indexSessionsNeedsBackup  = "inbound_sessions2_needs_backup"
)

// legacyTableInboundSessions is the old inbound session table. It lacked
// indexes and stored whole-value-encrypted pickles; it survives only as
// the source of the v6 -> v7 data migration and is dropped at v7.
const legacyTableInboundSessions = "inbound_sessions"

// Tables superseded by gossip_requests, dropped at schema version 5.
const (
	obsoleteTableOutgoingSecretRequests = "outgoing_secret_requests"
	obsoleteTableUnsentSecretRequests   = "unsent_secret_requests"
	obsoleteTableSecretRequestsByInfo   = "secret_requests_by_info"
)
