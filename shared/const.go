package shared

const (
	UserID = "user_id"
	Role   = "role"

	RoleAdmin = "admin"

	KeyPrefix         = "block_bot"
	HitsKeyPrefix     = KeyPrefix + ":hits:"
	NotifiedKeyPrefix = KeyPrefix + ":notified:"
	PendingKeyPrefix  = KeyPrefix + ":pending:"
	TaskQueueKey      = KeyPrefix + ":tasks"
	// Tasks a consumer has taken but not finished, and its liveness marker.
	TaskProcessingKeyPrefix = TaskQueueKey + ":processing:"
	TaskConsumerKeyPrefix   = TaskQueueKey + ":consumer:"
	EventsChannel           = KeyPrefix + ":events"

	ModeNormal = "normal"
	ModeNever  = "never"
	ModeAlways = "always"

	FrequencyHourly   = "hourly"
	FrequencyDaily    = "daily"
	FrequencyMonthly  = "monthly"
	FrequencyAnnually = "annually"

	// Log task actions.
	ActionBlocked     = "BLOCKED"
	ActionWhitelisted = "WHITELISTED"
	ActionGoodCrawler = "GOOD_CRAWLER"
	ActionBadCrawler  = "BAD_CRAWLER"

	// Task types.
	TaskCheckIfBotIsReal     = "check_if_bot_is_real"
	TaskProcessLogWithIPInfo = "process_log_with_ip_info"

	// Any IP may use a crawler signature mapped to the wildcard host.
	WildcardHost = "*"
)
