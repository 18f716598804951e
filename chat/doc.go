// Package chat contains the Twitch chat bot.
//
// The Bot connects to Twitch IRC with the bot account's stored credential
// (looked up by TWITCH_BOT_ID), joins the channel of every other stored
// credential, and joins newly authorized channels at runtime. Messages
// starting with "!" are dispatched through a Router:
//   - !hi (hello, howdy, hey): greets the chatter.
//   - !say (repeat): moderators only, repeats the text.
//   - !overlay: moderators only, saves the text as an overlay message,
//     which the relay then pushes to every connected overlay.
//
// Without a stored bot credential the Bot logs how to authorize and idles.
package chat
