package domain

import "path"

// Store layout. Collections have an odd number of segments, documents an even one.
const (
	RoomsCollection = "rooms"

	voiceStateDoc = "voice/current"
)

// Document field names shared by writers and readers.
const (
	FieldID              = "id"
	FieldName            = "name"
	FieldAdminUserID     = "adminUserId"
	FieldJoinCode        = "joinCode"
	FieldCreatedAt       = "createdAt"
	FieldDefaultCanChat  = "defaultCanChat"
	FieldDefaultCanCall  = "defaultCanCall"
	FieldLockChat        = "lockChat"
	FieldLockCalls       = "lockCalls"
	FieldUserID          = "userId"
	FieldDisplayName     = "displayName"
	FieldRole            = "role"
	FieldCanChat         = "canChat"
	FieldCanCall         = "canCall"
	FieldJoinedAt        = "joinedAt"
	FieldText            = "text"
	FieldAuthorUserID    = "authorUserId"
	FieldAuthorName      = "authorName"
	FieldCreatedByUserID = "createdByUserId"
	FieldOffer           = "offer"
	FieldAnswer          = "answer"
	FieldStatus          = "status"
	FieldActiveCallID    = "activeCallId"
	FieldUpdatedAt       = "updatedAt"
	FieldUpdatedByUserID = "updatedByUserId"
)

func RoomPath(room RoomID) string {
	return path.Join(RoomsCollection, string(room))
}

func MembersCollection(room RoomID) string {
	return path.Join(RoomPath(room), "members")
}

func MemberPath(room RoomID, user UserID) string {
	return path.Join(MembersCollection(room), string(user))
}

func MessagesCollection(room RoomID) string {
	return path.Join(RoomPath(room), "messages")
}

func VoiceStatePath(room RoomID) string {
	return path.Join(RoomPath(room), voiceStateDoc)
}

func VoiceMembersCollection(room RoomID) string {
	return path.Join(RoomPath(room), "voiceMembers")
}

func VoicePresencePath(room RoomID, user UserID) string {
	return path.Join(VoiceMembersCollection(room), string(user))
}

func CallsCollection(room RoomID) string {
	return path.Join(RoomPath(room), "calls")
}

func CallPath(room RoomID, call CallID) string {
	return path.Join(CallsCollection(room), string(call))
}

func OfferCandidatesCollection(room RoomID, call CallID) string {
	return path.Join(CallPath(room, call), "offerCandidates")
}

func AnswerCandidatesCollection(room RoomID, call CallID) string {
	return path.Join(CallPath(room, call), "answerCandidates")
}
