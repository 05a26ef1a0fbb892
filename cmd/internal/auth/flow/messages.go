package flow

// Client-facing messages. The web app matches on some of these, keep them stable.
const (
	MsgCodeAndEmailRequired = "Code and email are required"
	MsgInvalidInvite        = "Invalid or expired invite code"
	MsgWelcome              = "Welcome to Stay Hi!"
	MsgInviteServerError    = "Server error processing invite code"

	MsgEmailRequired     = "Email is required"
	MsgInvalidEmail      = "Invalid email address"
	MsgNoMembership      = "No active membership found for this email"
	MsgLinkSent          = "Magic link sent! Check your email."
	MsgSendFailed        = "Failed to send email. Please try again."
	MsgSignInServerError = "Server error processing email signin"

	MsgInvalidLink       = "Invalid or expired magic link"
	MsgVerifyServerError = "Server error during verification"
	MsgInvalidSession    = "Invalid or expired session"
)
