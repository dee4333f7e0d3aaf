// Package postmark sends an email alert through Postmark whenever a queue
// message is dead-lettered.
//
//	alert, err := postmark.New(postmark.Config{
//		PostmarkServerToken:  serverToken,
//		PostmarkAccountToken: accountToken,
//		SenderEmail:          "workq@example.com",
//		AlertEmail:           "oncall@example.com",
//	})
//	if err != nil {
//		return err
//	}
//	svc, err := queue.NewService(cfg, store,
//		queue.WithDeadLetterArchive(queue.Archives(pgArchive, alert)))
//
// Send failures are returned to the dead-letter sink, which logs them. The
// record itself is already quarantined by then.
package postmark
