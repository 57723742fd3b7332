// Package dedupe suppresses duplicate chat submissions.
//
// Clients may retry SendMessageAndStream with the same message ID after a
// dropped connection. The chat service claims Key(conversation, message) in
// a Cache before doing any work; a failed claim means the message was
// already accepted and the retry is rejected.
//
//	c := dedupe.New(dedupe.Options{TTL: 5 * time.Minute, MaxSize: 10000})
//	defer c.Close()
//	if !c.Claim(dedupe.Key(conv, msgID)) {
//		return ErrDuplicateMessage
//	}
package dedupe
