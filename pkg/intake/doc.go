/*
Package intake is the webhook front door.

Every delivery is verified with an HMAC-SHA256 signature over the raw
body before anything else looks at it. Verified deliveries are
deduplicated on delivery id through the cache with a durable mirror,
translated into a Received job, and handed to the sink. Signature and
payload failures are client errors; anything after the signature check
answers 5xx so the platform retries.
*/
package intake
