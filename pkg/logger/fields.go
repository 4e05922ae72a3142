package logger

// Standard field names for consistent logging.
const (
	FieldService = "service"
	FieldUserID  = "user_id"
	FieldChatID  = "chat_id"
	FieldTopicID = "topic_id"
	FieldJob     = "job"
	FieldCommand = "command"
)
