package postgres

const msgCols = `m.id, m.conversation_id, m.sender_id, m.recipient_id, m.content, m.message_type,
	m.reply_to, m.status, m.deleted, m.deleted_at, m.created_at`

const (
	// DO UPDATE вместо DO NOTHING: RETURNING отдаёт id существующей беседы и берёт лок строки,
	// параллельные записи в одну беседу выстраиваются в очередь.
	queryUpsertConversation = `
		INSERT INTO conversations (id, user_low, user_high)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_low, user_high) DO UPDATE SET user_low = EXCLUDED.user_low
		RETURNING id;
	`
	queryFindConversation = `SELECT id FROM conversations WHERE user_low = $1 AND user_high = $2;`
	queryLockConversation = `SELECT id FROM conversations WHERE user_low = $1 AND user_high = $2 FOR UPDATE;`

	queryInsertMessage = `
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, message_type, reply_to, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'sent', $8);
	`

	queryGetMessage       = `SELECT ` + msgCols + ` FROM messages m WHERE m.id = $1;`
	queryGetMessageForUpd = `SELECT ` + msgCols + ` FROM messages m WHERE m.id = $1 FOR UPDATE;`

	queryListConversation = `
		SELECT ` + msgCols + `
		FROM messages m
		WHERE m.conversation_id = $1
		  AND NOT m.deleted
		  AND (
		    $2::timestamptz IS NULL
		    OR m.created_at < $2
		    OR (m.created_at = $2 AND m.id < $3)
		  )
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $4;
	`

	// переход вперёд только из sent
	queryMarkDelivered = `
		UPDATE messages m SET status = 'delivered'
		WHERE m.id = $1 AND m.status = 'sent'
		RETURNING ` + msgCols + `;
	`
	querySetRead = `UPDATE messages SET status = 'read' WHERE id = $1;`

	queryMarkConversationRead = `
		UPDATE messages SET status = 'read'
		WHERE conversation_id = $1 AND recipient_id = $2 AND sender_id = $3
		  AND status <> 'read' AND NOT deleted
		RETURNING id;
	`

	queryInsertReceipts = `
		INSERT INTO read_receipts (message_id, reader_id, read_at)
		SELECT unnest($1::text[]), $2, $3
		ON CONFLICT DO NOTHING;
	`

	queryUpsertReaction = `
		INSERT INTO message_reactions (message_id, user_id, emoji, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji, updated_at = now();
	`

	querySoftDelete = `UPDATE messages SET deleted = TRUE, deleted_at = $2 WHERE id = $1;`

	queryReactionsFor = `SELECT message_id, user_id, emoji FROM message_reactions WHERE message_id = ANY($1);`
	queryReceiptsFor  = `SELECT message_id, reader_id, read_at FROM read_receipts WHERE message_id = ANY($1) ORDER BY read_at;`
	queryMessagesByID = `SELECT ` + msgCols + ` FROM messages m WHERE m.id = ANY($1) ORDER BY m.created_at, m.id;`

	// последнее не удалённое сообщение каждой беседы + непрочитанные, адресованные $1
	queryListConversationsFor = `
		WITH ranked AS (
		  SELECT ` + msgCols + `, c.user_low, c.user_high,
		    ROW_NUMBER() OVER (PARTITION BY m.conversation_id ORDER BY m.created_at DESC, m.id DESC) AS rn,
		    COUNT(*) FILTER (WHERE m.recipient_id = $1 AND m.status <> 'read')
		      OVER (PARTITION BY m.conversation_id) AS unread
		  FROM messages m
		  JOIN conversations c ON c.id = m.conversation_id
		  WHERE (c.user_low = $1 OR c.user_high = $1) AND NOT m.deleted
		)
		SELECT id, conversation_id, sender_id, recipient_id, content, message_type,
		       reply_to, status, deleted, deleted_at, created_at, user_low, user_high, unread
		FROM ranked
		WHERE rn = 1
		ORDER BY created_at DESC, id ASC;
	`

	queryCountMessages = `SELECT COUNT(*) FROM messages;`
)

const (
	queryGetDisplayInfo = `
		SELECT id, username, display_name, avatar_url
		FROM users
		WHERE id = $1;
	`
	queryUserExists     = `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1);`
	queryUpdatePresence = `UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1;`
	queryUpsertUser     = `
		INSERT INTO users (id, username, display_name, avatar_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username, display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url;
	`
)
